package main

import (
	"os"

	"triage/cmd/healthctl/root"
)

func main() {
	os.Exit(root.Execute())
}
