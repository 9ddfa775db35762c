package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tcmartin/n8nstream/pkg/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := "n8nstream.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				fail(err)
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if cfg.N8n.APIKey != "" {
				cfg.N8n.APIKey = "[redacted]"
			}
			printJSON(cfg)
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}
