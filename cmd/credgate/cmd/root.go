// Package cmd provides the CLI commands for credgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/credgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "credgate",
	Short: "credgate - credential policy evaluation engine",
	Long: `credgate decides whether a third-party application may run an operation
against a stored credential.

Policies are evaluated in a fixed cascade (global, then plugin, then
credential). The first DENY or PENDING verdict wins; otherwise the
configured default verdict applies.

Configuration:
  Config is loaded from credgate.yaml in the current directory,
  $HOME/.credgate/, or /etc/credgate/.

  Environment variables can override config values with the CREDGATE_ prefix.
  Example: CREDGATE_EVALUATOR_DEFAULT_VERDICT=deny

Commands:
  serve       Start the HTTP API
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./credgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
