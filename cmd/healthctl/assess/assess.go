// Package assess implements the read-only scoring command.
package assess

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/cmd/healthctl/render"
)

var Cmd = &cobra.Command{
	Use:   "assess [tenant]",
	Short: "Score tenants without dispatching any healing action",
	Long: `Assess runs one read-only scoring pass. With a tenant name it
reports that tenant in full; with no argument (or "all") it scores
every enabled tenant and prints one line each. Degraded sources are
annotated per tenant rather than failing the whole call.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client.FromFlags()

	if len(args) == 1 && args[0] != "all" {
		ev, err := c.Assess(ctx, args[0])
		if err != nil {
			return err
		}
		render.Evaluation(os.Stdout, ev)
		return client.Exit(client.StateCode(ev.Result))
	}
	return assessAll(ctx, c)
}

func assessAll(ctx context.Context, c *client.Client) error {
	tenants, err := c.Tenants(ctx)
	if err != nil {
		return err
	}

	code := client.CodeOK
	assessed := 0
	for _, t := range tenants {
		if !t.Enabled || !t.Valid {
			continue
		}
		assessed++
		ev, err := c.Assess(ctx, t.Name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.Name, err)
			code = client.WorseCode(code, client.CodeDegraded)
			continue
		}
		fmt.Println(render.EvaluationLine(ev))
		code = client.WorseCode(code, client.StateCode(ev.Result))
	}
	if assessed == 0 {
		return &client.ExitError{Code: client.CodeConfig,
			Err: fmt.Errorf("no enabled tenants to assess")}
	}
	return client.Exit(code)
}
