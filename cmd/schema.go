package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the destination schema",
}

var schemaUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending destination schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(true)
		if err != nil {
			return err
		}
		version, err := eng.MigrateSchema()
		if err != nil {
			return err
		}
		fmt.Printf("Destination schema at version %d\n", version)
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaUpCmd)
	rootCmd.AddCommand(schemaCmd)
}
