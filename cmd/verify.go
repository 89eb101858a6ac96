package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reloquent/carryover/internal/validation"
)

var (
	verifyPlan string
	verifyJSON bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the legacy store with the migrated data",
	Long: `Check, for every content type and repository the plan selects, that the
legacy counts match what was migrated and that every repository version
was rebuilt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine(true)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		p, err := eng.LoadPlan(verifyPlan)
		if err != nil {
			return err
		}
		if err := eng.Connect(ctx); err != nil {
			return err
		}
		defer eng.Close(context.WithoutCancel(ctx))

		var cb func(subject, check string, passed bool)
		if !verifyJSON {
			cb = func(subject, check string, passed bool) {
				mark := "ok  "
				if !passed {
					mark = "FAIL"
				}
				fmt.Printf("  [%s] %-30s %s\n", mark, subject, check)
			}
		}
		result, err := eng.Verify(ctx, p, cb)
		if err != nil {
			return err
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
		} else {
			printValidation(result)
		}
		if result.Failed() {
			return fmt.Errorf("verification %s", result.Status)
		}
		return nil
	},
}

func printValidation(r *validation.Result) {
	fmt.Println()
	for _, t := range r.Types {
		fmt.Printf("  %-20s %-8s legacy=%d migrated=%d pending=%d %s\n",
			t.TypeID, t.Status, t.LegacyCount, t.Processed, t.Records-t.Processed, t.Message)
	}
	for _, repo := range r.Repositories {
		if repo.Status == validation.StatusPass {
			continue
		}
		fmt.Printf("  repository %-20s %-8s %s\n", repo.RepoID, repo.Status, repo.Message)
	}
	fmt.Printf("\nVerification: %s (%d types, %d repositories)\n", r.Status, len(r.Types), len(r.Repositories))
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPlan, "plan", "", "migration plan file")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print the result as JSON")
	_ = verifyCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(verifyCmd)
}
