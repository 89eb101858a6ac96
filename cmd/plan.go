package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Work with migration plans",
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a migration plan against the registered plugins",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(true)
		if err != nil {
			return err
		}
		p, err := eng.LoadPlan(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Plan %s is valid (hash %s)\n\n", p.Name, p.Hash()[:12])
		fmt.Printf("  %-10s %-8s %-13s %-10s %-13s %s\n", "PLUGIN", "CONTENT", "REPOSITORIES", "IMPORTERS", "DISTRIBUTORS", "REPOSITORY IDS")
		for _, s := range p.Selections() {
			ids := "all"
			if len(s.RepositoryIDs) > 0 {
				ids = fmt.Sprint(s.RepositoryIDs)
			}
			fmt.Printf("  %-10s %-8s %-13s %-10s %-13s %s\n", s.Plugin,
				yesNo(s.Content), yesNo(s.Repositories), yesNo(s.Importers), yesNo(s.Distributors), ids)
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func init() {
	planCmd.AddCommand(planValidateCmd)
	rootCmd.AddCommand(planCmd)
}
