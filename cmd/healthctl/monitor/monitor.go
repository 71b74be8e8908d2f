// Package monitor implements the continuous evaluation command.
package monitor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
	"triage/internal/engine"
)

var interval time.Duration

var Cmd = &cobra.Command{
	Use:   "monitor [tenant]",
	Short: "Drive evaluation cycles continuously until interrupted",
	Long: `Monitor forces a full evaluation and dispatch cycle for the
selected tenants every interval and prints one line per result. The
engine serializes cycles per tenant, so monitoring alongside the
daemon's own scheduler is safe. Stop with SIGINT.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func init() {
	Cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "delay between evaluation sweeps")
}

func run(cmd *cobra.Command, args []string) error {
	if interval <= 0 {
		return &client.ExitError{Code: client.CodeConfig,
			Err: fmt.Errorf("interval must be positive")}
	}
	tenant := ""
	if len(args) == 1 && args[0] != "all" {
		tenant = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.FromFlags()
	// Resolve the target up front so a bad address or tenant name fails
	// fast instead of looping on errors.
	infos, err := c.Tenants(ctx)
	if err != nil {
		return err
	}
	if tenant != "" && !evaluable(infos, tenant) {
		return &client.ExitError{Code: client.CodeConfig,
			Err: fmt.Errorf("tenant %q is not evaluable", tenant)}
	}

	fmt.Printf("monitoring every %s, interrupt to stop\n", interval)
	for {
		sweep(ctx, c, tenant)
		select {
		case <-ctx.Done():
			fmt.Println("monitor stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// sweep runs one cycle per target tenant. Failures are reported per
// tenant and never end the watch: the next sweep retries.
func sweep(ctx context.Context, c *client.Client, tenant string) {
	names := []string{tenant}
	if tenant == "" {
		infos, err := c.Tenants(ctx)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "listing tenants: %v\n", err)
			}
			return
		}
		names = names[:0]
		for _, t := range infos {
			if t.Enabled && t.Valid {
				names = append(names, t.Name)
			}
		}
	}

	now := time.Now().Format("15:04:05")
	for _, name := range names {
		ev, err := c.Heal(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", now, name, err)
			}
			continue
		}
		fmt.Printf("%s %s\n", now, render.EvaluationLine(ev))
	}
}

func evaluable(infos []engine.TenantInfo, tenant string) bool {
	for _, t := range infos {
		if t.Name == tenant {
			return t.Enabled && t.Valid
		}
	}
	return false
}
