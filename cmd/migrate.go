package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reloquent/carryover/internal/engine"
	"github.com/reloquent/carryover/internal/migration"
	"github.com/reloquent/carryover/internal/tui"
)

var (
	migratePlan   string
	migrateDryRun bool
	migrateTUI    bool
	migrateVerify bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run a migration plan",
	Long: `Execute a migration plan: mirror and reconcile content, then rebuild
repositories, remotes and distributions. Interrupting a run (Ctrl+C) stops it
between units; re-running the same plan resumes where it stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(!migrateTUI)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		p, err := eng.LoadPlan(migratePlan)
		if err != nil {
			return err
		}
		if err := eng.Connect(ctx); err != nil {
			return err
		}
		defer eng.Close(context.WithoutCancel(ctx))

		opts := engine.RunOptions{
			DryRun:   migrateDryRun,
			Verify:   migrateVerify,
			PlanPath: migratePlan,
		}
		if migrateTUI {
			opts.Watch = func(ctx context.Context, source migration.SnapshotSource, fn func(context.Context) (*migration.Status, error)) (*migration.Status, error) {
				return tui.Run(ctx, source, 250*time.Millisecond, fn)
			}
		} else {
			opts.Callback = printTransition
		}

		if migrateDryRun {
			fmt.Printf("Dry run of plan %s: nothing will be written.\n", p.Name)
		}
		res, runErr := eng.Run(ctx, p, opts)
		if res != nil {
			printRunSummary(res)
		}
		if errors.Is(runErr, context.Canceled) {
			fmt.Println("Run cancelled. Re-run the same plan to resume.")
		}
		if runErr == nil && res != nil && res.Status.Outcome == migration.OutcomePartialFailure {
			return fmt.Errorf("run finished with %d failed items", res.Status.FailureCount)
		}
		return runErr
	},
}

func printTransition(s *migration.Status) {
	fmt.Printf("[%s] %s\n", time.Now().Format(time.TimeOnly), s.State)
}

func printRunSummary(res *engine.RunResult) {
	s := res.Status
	fmt.Println()
	fmt.Printf("Plan:     %s\n", s.Plan)
	fmt.Printf("Run:      %s\n", s.RunID)
	fmt.Printf("State:    %s\n", s.State)
	if s.Outcome != "" {
		fmt.Printf("Outcome:  %s\n", s.Outcome)
	}
	fmt.Printf("Elapsed:  %s\n", s.ElapsedTime.Round(time.Millisecond))
	fmt.Println()
	printTypes(s)
	printStructure(s)
	if s.ExcludedMembers > 0 {
		fmt.Printf("  %d repository member(s) of unsupported types left out\n", s.ExcludedMembers)
	}
	if s.FailureCount > 0 {
		fmt.Printf("\nFailures: %d (see report)\n", s.FailureCount)
	}
	if res.Validation != nil {
		fmt.Printf("\nVerification: %s\n", res.Validation.Status)
	}
	for _, p := range res.Reports {
		fmt.Printf("Report:   %s\n", p)
	}
	for _, uri := range res.Archive {
		fmt.Printf("Archived: %s\n", uri)
	}
}

func printTypes(s *migration.Status) {
	if len(s.Types) == 0 {
		return
	}
	fmt.Printf("  %-20s %8s %8s %8s %8s %8s\n", "TYPE", "TOTAL", "CREATED", "LINKED", "SKIPPED", "FAILED")
	for _, t := range s.Types {
		fmt.Printf("  %-20s %8d %8d %8d %8d %8d\n", t.TypeID, t.Total, t.Created, t.Linked, t.Skipped, t.Failed)
	}
}

func printStructure(s *migration.Status) {
	rows := []struct {
		label  string
		counts migration.StructureCounts
	}{
		{"repositories", s.Repositories},
		{"remotes", s.Remotes},
		{"distributions", s.Distributions},
	}
	for _, r := range rows {
		c := r.counts
		if c.Total == 0 {
			continue
		}
		fmt.Printf("  %-14s total=%d created=%d updated=%d unchanged=%d skipped=%d failed=%d\n",
			r.label, c.Total, c.Created, c.Updated, c.Unchanged, c.Skipped, c.Failed)
	}
}

func init() {
	migrateCmd.Flags().StringVar(&migratePlan, "plan", "", "migration plan file (YAML or JSON)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list what would be migrated without writing")
	migrateCmd.Flags().BoolVar(&migrateTUI, "tui", false, "show live progress in a terminal view")
	migrateCmd.Flags().BoolVar(&migrateVerify, "verify", true, "verify counts after a successful run")
	_ = migrateCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(migrateCmd)
}
