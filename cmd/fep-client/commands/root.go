// Package commands implements the fep-client CLI, cobra-based the way
// marmos91/dittofs's cmd/dittofs/commands/root.go structures its command
// tree.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "fep-client",
	Short:         "Demo originator driving the ISO 8583 dual-channel gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env vars and built-in defaults)")
	rootCmd.AddCommand(sendCmd)
}

// GetConfigFile returns the --config flag's value.
func GetConfigFile() string {
	return cfgFile
}
