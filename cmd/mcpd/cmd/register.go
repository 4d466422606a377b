package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xandwr/mcpd/internal/registry"
)

var registerEnv []string

var registerCmd = &cobra.Command{
	Use:   "register NAME CMD [ARGS...]",
	Short: "Register a new MCP tool server",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		name := args[0]
		command := resolveCommand(args[1:])

		store, err := openStore()
		if err != nil {
			return err
		}

		desc := registry.Descriptor{Name: name, Argv: command, Env: parseEnvPairs(registerEnv)}
		if err := store.Register(desc); err != nil {
			return err
		}
		fmt.Printf("Registered tool %q: %v\n", name, command)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringArrayVarP(&registerEnv, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	rootCmd.AddCommand(registerCmd)
}
