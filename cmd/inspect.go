package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var inspectYAML bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List legacy content types and which plugins handle them",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(true)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if err := eng.ConnectLegacy(ctx); err != nil {
			return err
		}
		defer eng.Close(context.WithoutCancel(ctx))

		entries, err := eng.Inventory(ctx)
		if err != nil {
			return err
		}
		if inspectYAML {
			return yaml.NewEncoder(os.Stdout).Encode(entries)
		}

		fmt.Printf("  %-24s %-32s %10s  %s\n", "TYPE", "COLLECTION", "UNITS", "PLUGIN")
		var unsupported int
		for _, e := range entries {
			plugin := e.Plugin
			if !e.Supported {
				plugin = "(not supported)"
				unsupported++
			}
			fmt.Printf("  %-24s %-32s %10d  %s\n", e.TypeID, e.Collection, e.Count, plugin)
		}
		if unsupported > 0 {
			fmt.Printf("\n%d content type(s) have no plugin and will not be migrated.\n", unsupported)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectYAML, "yaml", false, "print the inventory as YAML")
	rootCmd.AddCommand(inspectCmd)
}
