package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reloquent/carryover/internal/migration"
)

var (
	statusPlan   string
	statusOutput string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run of a plan",
	Long: `Show the most recent run of a plan as recorded in the destination.
When the destination is unreachable the local state file is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(false)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := eng.ConnectDestination(ctx); err != nil {
			eng.Logger.Warn("destination unreachable, using local state", "error", err)
		}
		defer eng.Close(ctx)

		s, err := eng.LastStatus(ctx, statusPlan)
		if err != nil {
			return err
		}

		switch statusOutput {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		case "yaml":
			return yaml.NewEncoder(os.Stdout).Encode(s)
		case "text", "":
			printStatus(s)
			return nil
		default:
			return fmt.Errorf("unknown output format %q (text, json, yaml)", statusOutput)
		}
	},
}

func printStatus(s *migration.Status) {
	fmt.Printf("Plan:     %s\n", s.Plan)
	fmt.Printf("Run:      %s\n", s.RunID)
	fmt.Printf("State:    %s\n", s.State)
	if s.Outcome != "" {
		fmt.Printf("Outcome:  %s\n", s.Outcome)
	}
	if s.DryRun {
		fmt.Println("Dry run:  yes")
	}
	fmt.Printf("Started:  %s\n", s.StartedAt.Format(time.RFC3339))
	if s.FinishedAt != nil {
		fmt.Printf("Finished: %s (%s)\n", s.FinishedAt.Format(time.RFC3339), s.ElapsedTime.Round(time.Second))
	}
	if s.Error != "" {
		fmt.Printf("Error:    %s\n", s.Error)
	}
	fmt.Println()
	printTypes(s)
	printStructure(s)
	if s.FailureCount > 0 {
		fmt.Printf("\nFailures: %d\n", s.FailureCount)
		for i, f := range s.Failures {
			if i == 10 {
				fmt.Printf("  ... %d more\n", s.FailureCount-10)
				break
			}
			fmt.Printf("  - %s\n", f.Message)
		}
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusPlan, "plan", "", "plan name")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format (text, json, yaml)")
	_ = statusCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(statusCmd)
}
