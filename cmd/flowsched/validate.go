package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load configuration and report whether it is valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration at %s is valid\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\n", cfg.Scheduler.Backend)
			return nil
		},
	}
}
