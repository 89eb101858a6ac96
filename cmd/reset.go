package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resetPlan         string
	resetPurgeArchive bool
	resetYes          bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget pending records and watermarks of a plan",
	Long: `Reset the progress of a plan so the next run rescans the legacy store from
the beginning. Migrated content, repositories and mappings are kept; already
migrated units are skipped on the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("reset discards resume state; pass --yes to confirm")
		}
		eng, err := newEngine(true)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		p, err := eng.LoadPlan(resetPlan)
		if err != nil {
			return err
		}
		if err := eng.ConnectDestination(ctx); err != nil {
			return err
		}
		defer eng.Close(context.WithoutCancel(ctx))

		removed, err := eng.Reset(ctx, p, resetPurgeArchive)
		if err != nil {
			return err
		}
		fmt.Printf("Plan %s reset: %d pending record(s) removed, watermarks cleared.\n", p.Name, removed)
		if resetPurgeArchive {
			fmt.Println("Archived reports deleted.")
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetPlan, "plan", "", "migration plan file")
	resetCmd.Flags().BoolVar(&resetPurgeArchive, "purge-archive", false, "also delete the plan's archived reports")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "confirm the reset")
	_ = resetCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(resetCmd)
}
