package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/xandwr/mcpd/internal/config"
	"github.com/xandwr/mcpd/internal/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregating MCP server (stdio mode)",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		log := newLogger(cfg.LogLevel)

		store, err := openStore()
		if err != nil {
			return err
		}

		policy := buildPolicy(cfg.Policy)
		log.Info("starting mcpd", "policy", cfg.Policy, "backends", len(store.List()))

		d := gateway.New(store, policy, log)
		return d.Run(context.Background(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func buildPolicy(name config.PolicyName) gateway.Policy {
	if name == config.PolicyFlat {
		return gateway.NewFlatPolicy()
	}
	return gateway.NewMetaPolicy()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
