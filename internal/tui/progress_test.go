package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/migration"
)

func key(s string) tea.KeyMsg {
	if s == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func runningStatus() *migration.Status {
	return &migration.Status{
		Plan:  "nightly",
		State: migration.StateReconcilingContent,
		Types: []migration.TypeStatus{
			{TypeID: "iso", State: migration.TypeCompleted, Total: 10, Created: 10},
			{TypeID: "rpm", State: migration.TypeReconciling, Total: 90, Created: 30, Linked: 5},
		},
		Retries: 2,
	}
}

func TestNewProgressModel(t *testing.T) {
	m := NewProgressModel(nil)
	if m.Done() || m.Cancelled() {
		t.Error("fresh model should be neither done nor cancelled")
	}
	if !strings.Contains(m.View(), "Starting migration") {
		t.Error("view should show the waiting line before the first status")
	}
}

func TestProgressDisplay(t *testing.T) {
	m := NewProgressModel(nil)
	updated, _ := m.Update(StatusMsg{Status: runningStatus()})
	v := updated.(ProgressModel).View()

	for _, want := range []string{"nightly", "RECONCILING_CONTENT", "iso", "rpm", "45 / 100 units", "2 retries"} {
		if !strings.Contains(v, want) {
			t.Errorf("view should contain %q:\n%s", want, v)
		}
	}
}

func TestCancelWaitsForRun(t *testing.T) {
	cancelled := 0
	m := NewProgressModel(func() { cancelled++ })
	updated, _ := m.Update(StatusMsg{Status: runningStatus()})

	updated, cmd := updated.Update(key("q"))
	pm := updated.(ProgressModel)
	if cancelled != 1 || !pm.Cancelled() {
		t.Fatalf("q should cancel the run once, cancelled=%d", cancelled)
	}
	if cmd != nil || pm.Done() {
		t.Error("the view should stay up until the run returns")
	}
	if !strings.Contains(pm.View(), "Cancelling") {
		t.Error("view should show the cancelling line")
	}

	updated, _ = pm.Update(key("q"))
	if cancelled != 1 {
		t.Error("cancel should not be called twice")
	}

	final := runningStatus()
	final.State = migration.StateFailed
	final.Outcome = migration.OutcomeCancelled
	updated, cmd = updated.Update(DoneMsg{Status: final, Err: errors.New("run cancelled")})
	if cmd == nil || !updated.(ProgressModel).Done() {
		t.Error("a cancelled run should close the view when it returns")
	}
}

func TestFinishedWaitsForEnter(t *testing.T) {
	m := NewProgressModel(nil)
	final := runningStatus()
	final.State = migration.StateComplete
	final.Outcome = migration.OutcomePartialFailure
	final.FailureCount = 1
	final.Failures = []migration.Failure{{Kind: apperrors.KindDependencyNotMigrated, RepoID: "r", Message: "missing unit"}}

	updated, cmd := m.Update(DoneMsg{Status: final})
	if cmd != nil {
		t.Error("finished view should wait for enter")
	}
	v := updated.(ProgressModel).View()
	if !strings.Contains(v, "finished with failures") || !strings.Contains(v, "missing unit") {
		t.Errorf("unexpected view:\n%s", v)
	}

	// late snapshots do not overwrite the final status
	updated, _ = updated.Update(StatusMsg{Status: runningStatus()})
	if updated.(ProgressModel).Status().State != migration.StateComplete {
		t.Error("final status should be kept")
	}

	updated, cmd = updated.Update(key("enter"))
	if cmd == nil || !updated.(ProgressModel).Done() {
		t.Error("enter should quit once finished")
	}
}

func TestFailedRunShowsError(t *testing.T) {
	m := NewProgressModel(nil)
	final := runningStatus()
	final.State = migration.StateFailed
	updated, _ := m.Update(DoneMsg{Status: final, Err: errors.New("duplicate natural key")})
	if v := updated.(ProgressModel).View(); !strings.Contains(v, "Migration failed: duplicate natural key") {
		t.Errorf("unexpected view:\n%s", v)
	}
}
