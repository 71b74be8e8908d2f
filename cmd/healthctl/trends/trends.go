// Package trends implements the compliance history command.
package trends

import (
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
)

var historyN int

var Cmd = &cobra.Command{
	Use:   "trends <tenant>",
	Short: "Show a tenant's availability compliance and score history",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	Cmd.Flags().IntVar(&historyN, "history", 10, "recent samples to print, 0 for none")
}

func run(cmd *cobra.Command, args []string) error {
	c := client.FromFlags()
	snap, err := c.Trend(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	render.Trend(os.Stdout, snap, historyN)
	if (snap.Samples > 0 && !snap.Meets) || snap.Degrading {
		return client.Exit(client.CodeDegraded)
	}
	return nil
}
