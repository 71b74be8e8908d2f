// Package heal implements the forced healing-cycle command.
package heal

import (
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
)

var cancelAttempt bool

var Cmd = &cobra.Command{
	Use:     "auto-heal <tenant>",
	Aliases: []string{"heal"},
	Short:   "Force one evaluation and dispatch cycle for a tenant",
	Long: `Auto-heal runs one full cycle: collect, score, and dispatch a
healing action when the tenant is unhealthy and the breaker allows
it. The exit code reports what happened: dispatched, suppressed,
degraded without action, or healthy.

With --cancel the pending attempt is cancelled instead. Cancellation
does not count toward the breaker.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	Cmd.Flags().BoolVar(&cancelAttempt, "cancel", false, "cancel the pending attempt instead of evaluating")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client.FromFlags()

	if cancelAttempt {
		a, err := c.CancelAttempt(ctx, args[0])
		if err != nil {
			return err
		}
		render.Attempt(os.Stdout, a)
		return nil
	}

	ev, err := c.Heal(ctx, args[0])
	if err != nil {
		return err
	}
	render.Evaluation(os.Stdout, ev)
	return client.Exit(client.StateCode(ev.Result))
}
