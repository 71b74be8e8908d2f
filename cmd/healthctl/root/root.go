// Package root wires the healthctl command tree and owns the exit-code
// mapping.
package root

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/assess"
	"triage/cmd/healthctl/breaker"
	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/heal"
	"triage/cmd/healthctl/monitor"
	"triage/cmd/healthctl/show"
	"triage/cmd/healthctl/trends"
	"triage/cmd/healthctl/validate"
)

var rootCmd = &cobra.Command{
	Use:   "healthctl",
	Short: "Operate the triage health decision engine",
	Long: `healthctl drives a running health engine over its HTTP API: score
tenants, watch evaluations, inspect breakers and trends, and force
healing cycles.

Exit codes: 0 healthy or success, 2 degraded without action, 3 action
dispatched, 4 healing suppressed by an open breaker, 5 configuration
error, 1 unexpected failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	client.RegisterFlags(rootCmd)
	rootCmd.AddCommand(
		assess.Cmd,
		monitor.Cmd,
		breaker.Cmd,
		trends.Cmd,
		heal.Cmd,
		validate.Cmd,
		show.Cmd,
	)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the command tree and maps its result to a process exit
// code. Bare state codes print nothing extra: the command already
// reported to stdout.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return client.CodeOK
	}
	var xe *client.ExitError
	if errors.As(err, &xe) {
		if xe.Err != nil {
			fmt.Fprintln(os.Stderr, "healthctl:", err)
		}
		return xe.Code
	}
	fmt.Fprintln(os.Stderr, "healthctl:", err)
	return 1
}
