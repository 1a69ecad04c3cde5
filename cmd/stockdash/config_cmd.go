package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/stockdash/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the process configuration (config file plus environment overrides).
Dashboard settings such as thresholds and the remote source live in
config.json in the data directory and are edited from the dashboard.`,
		Example: `  stockdash config show
  stockdash config show --config /etc/stockdash/stockdash.yaml`,
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format with passwords masked.`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(maskedConfig(*globalCfg))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if cfgPath != "" {
		fmt.Printf("# loaded from %s\n", cfgPath)
	}
	fmt.Print(string(data))

	return nil
}

func maskedConfig(c config.Config) config.Config {
	if c.Auth.AdminPassword != "" {
		c.Auth.AdminPassword = "********"
	}
	if c.Auth.ViewerPassword != "" {
		c.Auth.ViewerPassword = "********"
	}
	return c
}
