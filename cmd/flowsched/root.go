package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flowsched/flowsched/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "flowsched",
	Short: "flowsched runs a workflow job scheduler backed by a local process pool or a DRMAA cluster",
	Long: `flowsched is a per-user workflow job scheduler. It admits job and
workflow submissions through a single-process facade, dispatches ready
workflow nodes as their dependencies complete, and drives either a
local process-pool backend or a DRMAA-backed cluster backend depending
on configuration.

Use 'flowsched serve' to start the scheduler and block until a
terminating signal is received.`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a flowsched.yml configuration file (searches common locations if not specified)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newSubmitWorkflowCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateConfigCmd())
}

// loadConfig honors --config via FLOWSCHED_CONFIG_PATH, matching
// config.Load's own search order.
func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		os.Setenv("FLOWSCHED_CONFIG_PATH", configPath)
	}
	return config.Load()
}
