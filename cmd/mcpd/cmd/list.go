package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var listFormat string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tool servers",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		tools := store.List()

		if listFormat == "yaml" {
			out, err := yaml.Marshal(tools)
			if err != nil {
				return fmt.Errorf("marshal registry as yaml: %w", err)
			}
			fmt.Print(string(out))
			return nil
		}

		if len(tools) == 0 {
			fmt.Println("No tools registered")
			return nil
		}

		fmt.Printf("Registered tools (%d):\n", len(tools))
		for _, t := range tools {
			fmt.Printf("  %s -> %v\n", t.Name, t.Argv)
			for k, v := range t.Env {
				fmt.Printf("    %s=%s\n", k, v)
			}
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listFormat, "format", "text", `output format: "text" or "yaml"`)
	rootCmd.AddCommand(listCmd)
}
