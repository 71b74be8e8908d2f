// Package validate implements the local configuration check command.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"triage/cmd/healthctl/client"
	"triage/internal/config"
)

var configPath string

var Cmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the engine configuration file",
	Long: `Validate loads the configuration exactly the way the daemons do:
defaults, then the YAML file, then environment overrides. Global
problems and per-tenant problems are reported separately; an invalid
tenant is excluded from evaluation but never blocks startup.`,
	Args: cobra.NoArgs,
	RunE: run,
}

func init() {
	Cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config, $TRIAGE_CONFIG when empty")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &client.ExitError{Code: client.CodeConfig, Err: err}
	}

	code := client.CodeOK
	if err := cfg.Validate(); err != nil {
		fmt.Println("global problems:")
		fmt.Println(indent(err.Error()))
		code = client.CodeConfig
	}

	valid, invalid := cfg.PartitionTenants()
	names := make([]string, 0, len(invalid))
	for name := range invalid {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("tenant %s:\n", name)
		fields := make([]string, 0, len(invalid[name].Fields))
		for f := range invalid[name].Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Printf("  %s: %s\n", f, invalid[name].Fields[f])
		}
		code = client.CodeConfig
	}

	enabled := 0
	for _, t := range valid {
		if t.Enabled {
			enabled++
		}
	}
	fmt.Printf("%d tenants configured, %d evaluable, %d invalid\n",
		len(cfg.Tenants), enabled, len(invalid))
	if code == client.CodeOK {
		fmt.Println("configuration valid")
	}
	return client.Exit(code)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
