package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reloquent/carryover/internal/migration"
	"github.com/reloquent/carryover/internal/validation"
)

// MigrationReport is the final report of one run.
type MigrationReport struct {
	Version     string               `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	Plan        PlanSummary          `json:"plan"`
	Run         *migration.Status    `json:"run"`
	Totals      migration.TypeStatus `json:"totals"`
	Validation  *validation.Result   `json:"validation,omitempty"`
	Complete    bool                 `json:"complete"`
	Archive     []string             `json:"archive,omitempty"`
	NextSteps   []string             `json:"next_steps"`
}

// PlanSummary identifies the plan a run executed.
type PlanSummary struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// GenerateReport builds a report from a finished run and an optional
// validation result.
func GenerateReport(status *migration.Status, validationResult *validation.Result) *MigrationReport {
	r := &MigrationReport{
		Version:     "1",
		GeneratedAt: time.Now(),
		Plan:        PlanSummary{Name: status.Plan, Hash: status.PlanHash},
		Run:         status,
		Totals:      status.Totals(),
		Validation:  validationResult,
	}

	r.Complete = status.State == migration.StateComplete &&
		status.Outcome == migration.OutcomeSuccess &&
		(validationResult == nil || !validationResult.Failed())
	r.NextSteps = nextSteps(status, validationResult)
	return r
}

func nextSteps(status *migration.Status, v *validation.Result) []string {
	var steps []string
	switch {
	case status.DryRun:
		steps = append(steps, "Run the plan without --dry-run to migrate")
	case status.Outcome == migration.OutcomeCancelled:
		steps = append(steps, "Re-run the same plan to resume; completed units are skipped")
	case status.State == migration.StateFailed:
		steps = append(steps, fmt.Sprintf("Fix the cause (%s) and re-run the plan", status.Error))
	case status.Outcome == migration.OutcomePartialFailure:
		steps = append(steps, fmt.Sprintf("Review the %d failed items and re-run the plan", status.FailureCount))
	}
	if v != nil && v.Failed() {
		steps = append(steps, "Investigate validation failures with carryover verify")
	}
	if len(steps) == 0 {
		steps = append(steps,
			"Point clients at the destination distributions",
			"Re-run the plan before cut-over to pick up late legacy changes",
		)
	}
	return steps
}

// FileBase is the file name, without extension, of a run's report.
func FileBase(status *migration.Status) string {
	return fmt.Sprintf("report-%s-%s", status.Plan, status.RunID)
}

// WriteAll writes the JSON and text renderings into dir and returns their paths.
func WriteAll(report *MigrationReport, dir string) ([]string, error) {
	base := filepath.Join(dir, FileBase(report.Run))
	jsonPath, textPath := base+".json", base+".txt"
	if err := WriteJSON(report, jsonPath); err != nil {
		return nil, err
	}
	if err := WriteText(report, textPath); err != nil {
		return nil, err
	}
	return []string{jsonPath, textPath}, nil
}

// WriteJSON writes the report as JSON.
func WriteJSON(report *MigrationReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadJSON reads a report from a JSON file.
func ReadJSON(path string) (*MigrationReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	r := &MigrationReport{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return r, nil
}

// WriteText writes the report as human-readable text.
func WriteText(report *MigrationReport, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	return os.WriteFile(path, []byte(FormatText(report)), 0o644)
}

// FormatText renders the report as human-readable text.
func FormatText(report *MigrationReport) string {
	var b strings.Builder
	run := report.Run

	b.WriteString("=== Carryover Migration Report ===\n")
	b.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format(time.RFC3339)))

	b.WriteString("Run:\n")
	b.WriteString(fmt.Sprintf("  Plan:     %s (%s)\n", report.Plan.Name, report.Plan.Hash))
	b.WriteString(fmt.Sprintf("  ID:       %s\n", run.RunID))
	b.WriteString(fmt.Sprintf("  State:    %s\n", run.State))
	if run.Outcome != "" {
		b.WriteString(fmt.Sprintf("  Outcome:  %s\n", run.Outcome))
	}
	if run.DryRun {
		b.WriteString("  Dry run:  yes\n")
	}
	b.WriteString(fmt.Sprintf("  Elapsed:  %s\n", run.ElapsedTime.Round(time.Millisecond)))
	if run.Error != "" {
		b.WriteString(fmt.Sprintf("  Error:    %s\n", run.Error))
	}
	b.WriteString("\n")

	b.WriteString("Content:\n")
	for _, ts := range run.Types {
		b.WriteString(fmt.Sprintf("  %-16s total=%d created=%d linked=%d skipped=%d failed=%d\n",
			ts.TypeID, ts.Total, ts.Created, ts.Linked, ts.Skipped, ts.Failed))
	}
	b.WriteString("\n")

	b.WriteString("Structure:\n")
	writeCounts(&b, "Repositories", run.Repositories)
	writeCounts(&b, "Remotes", run.Remotes)
	writeCounts(&b, "Distributions", run.Distributions)
	if run.ExcludedMembers > 0 {
		b.WriteString(fmt.Sprintf("  Members of unsupported types left out of versions: %d\n", run.ExcludedMembers))
	}
	b.WriteString("\n")

	if run.FailureCount > 0 {
		b.WriteString(fmt.Sprintf("Failures (%d):\n", run.FailureCount))
		for _, f := range run.Failures {
			subject := f.LegacyID
			if subject == "" {
				subject = f.RepoID
			}
			b.WriteString(fmt.Sprintf("  [%s] %s %s\n", f.Kind, subject, f.Message))
		}
		if int64(len(run.Failures)) < run.FailureCount {
			b.WriteString(fmt.Sprintf("  ... %d more\n", run.FailureCount-int64(len(run.Failures))))
		}
		b.WriteString("\n")
	}

	if report.Validation != nil {
		b.WriteString(fmt.Sprintf("Validation: %s\n", report.Validation.Status))
		for _, t := range report.Validation.Types {
			b.WriteString(fmt.Sprintf("  [%s] %s %s\n", t.Status, t.TypeID, t.Message))
		}
		for _, r := range report.Validation.Repositories {
			b.WriteString(fmt.Sprintf("  [%s] repository %s %s\n", r.Status, r.RepoID, r.Message))
		}
		b.WriteString("\n")
	}

	if report.Complete {
		b.WriteString("Complete: YES\n\n")
	} else {
		b.WriteString("Complete: NO\n\n")
	}

	if len(report.Archive) > 0 {
		b.WriteString("Archived to:\n")
		for _, uri := range report.Archive {
			b.WriteString("  " + uri + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Next Steps:\n")
	for i, s := range report.NextSteps {
		b.WriteString(fmt.Sprintf("  %d. %s\n", i+1, s))
	}

	return b.String()
}

func writeCounts(b *strings.Builder, label string, c migration.StructureCounts) {
	b.WriteString(fmt.Sprintf("  %-14s total=%d created=%d updated=%d unchanged=%d skipped=%d failed=%d\n",
		label+":", c.Total, c.Created, c.Updated, c.Unchanged, c.Skipped, c.Failed))
}
