// Package commands implements the fep-server CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "fep-server",
	Short:         "ISO 8583 Inbound Server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env vars and built-in defaults)")
	rootCmd.AddCommand(startCmd)
}

// GetConfigFile returns the --config flag's value.
func GetConfigFile() string {
	return cfgFile
}
