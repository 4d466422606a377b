package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xandwr/mcpd/internal/registry"
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister NAME",
	Short: "Unregister a tool server",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		name := args[0]

		store, err := openStore()
		if err != nil {
			return err
		}

		if err := store.Unregister(name); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				fmt.Printf("Tool %q not found\n", name)
				return nil
			}
			return err
		}
		fmt.Printf("Unregistered tool %q\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unregisterCmd)
}
