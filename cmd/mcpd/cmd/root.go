// Package cmd provides the CLI commands for mcpd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xandwr/mcpd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcpd",
	Short: "mcpd - aggregate multiple MCP tool servers into one",
	Long: `mcpd is an aggregating MCP gateway: it speaks the Model Context
Protocol on stdio to a single upstream client, while fanning requests out
to a fleet of child MCP servers, each launched as a subprocess.

Quick start:
  1. Register a backend: mcpd register echo -- echo-server --stdio
  2. Run the gateway:     mcpd serve

Configuration:
  Config is loaded from mcpd.yaml in the current directory, $HOME/.config/mcpd/,
  or /etc/mcpd/. Environment variables override config values with the MCPD_
  prefix (e.g. MCPD_POLICY=flat).`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcpd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
