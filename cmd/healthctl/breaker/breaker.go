// Package breaker implements the circuit breaker inspection command.
package breaker

import (
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
	"triage/internal/domain"
)

var Cmd = &cobra.Command{
	Use:     "circuit-breaker <tenant>",
	Aliases: []string{"breaker"},
	Short:   "Show a tenant's circuit breaker state",
	Long: `Circuit-breaker prints the tenant's breaker snapshot. An open
breaker exits with the suppressed code so scripts can tell "healing
is paused" from "healing is possible".`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func run(cmd *cobra.Command, args []string) error {
	c := client.FromFlags()
	st, err := c.Breaker(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	render.Breaker(os.Stdout, st)
	if st.Status == domain.BreakerOpen {
		return client.Exit(client.CodeSuppressed)
	}
	return nil
}
