// Package show implements the status and environment display command.
package show

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
)

var Cmd = &cobra.Command{
	Use:   "show [tenant]",
	Short: "Show engine status and tenant environment state",
	Long: `Show without arguments prints the engine's status and one row per
configured tenant. With a tenant name it prints that tenant's
standing: tier, enabled and validity flags, the active environment
and any configuration problems.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client.FromFlags()

	if len(args) == 1 {
		return one(ctx, c, args[0])
	}

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	render.Status(os.Stdout, st)

	infos, err := c.Tenants(ctx)
	if err != nil {
		return err
	}
	fmt.Println()
	render.TenantTable(os.Stdout, infos)
	return nil
}

func one(ctx context.Context, c *client.Client, tenant string) error {
	infos, err := c.Tenants(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Name == tenant {
			render.Tenant(os.Stdout, info)
			return nil
		}
	}
	return &client.ExitError{Code: client.CodeConfig,
		Err: fmt.Errorf("tenant %q is not configured", tenant)}
}
