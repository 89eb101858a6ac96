// Package tui renders live progress of a migration run in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/reloquent/carryover/internal/migration"
)

// maxFailuresShown limits the failure list to the most recent entries.
const maxFailuresShown = 5

// StatusMsg carries a snapshot of the run.
type StatusMsg struct {
	Status *migration.Status
}

// DoneMsg is sent once the run has returned.
type DoneMsg struct {
	Status *migration.Status
	Err    error
}

// ProgressModel is the bubbletea model for a running migration.
type ProgressModel struct {
	spinner    spinner.Model
	bar        progress.Model
	status     *migration.Status
	err        error
	cancel     func()
	cancelling bool
	finished   bool
	done       bool
	width      int
}

// NewProgressModel creates a progress model. cancel is called when the
// user asks to stop the run.
func NewProgressModel(cancel func()) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return ProgressModel{
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		cancel:  cancel,
		width:   100,
	}
}

func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(80, msg.Width-20))
		return m, nil

	case StatusMsg:
		if !m.finished && msg.Status != nil {
			m.status = msg.Status
		}
		return m, nil

	case DoneMsg:
		m.finished = true
		m.err = msg.Err
		if msg.Status != nil {
			m.status = msg.Status
		}
		if m.cancelling {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if m.finished {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.finished {
				m.done = true
				return m, tea.Quit
			}
			if !m.cancelling {
				m.cancelling = true
				if m.cancel != nil {
					m.cancel()
				}
			}
			return m, nil
		case "enter":
			if m.finished {
				m.done = true
				return m, tea.Quit
			}
		}
	}

	return m, nil
}

func (m ProgressModel) View() string {
	var b strings.Builder

	if m.status == nil {
		b.WriteString(titleStyle.Render("carryover"))
		b.WriteString("\n\n")
		b.WriteString(fmt.Sprintf("  %s Starting migration...\n", m.spinner.View()))
		return b.String()
	}
	st := m.status

	title := "carryover: " + st.Plan
	if st.DryRun {
		title += " (dry run)"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	stateLine := stateStyle(st).Render(string(st.State))
	if !m.finished {
		stateLine = m.spinner.View() + " " + stateLine
	}
	b.WriteString(fmt.Sprintf("  State: %s", stateLine))
	if st.Outcome != "" {
		b.WriteString(fmt.Sprintf("  Outcome: %s", st.Outcome))
	}
	b.WriteString("\n")

	totals := st.Totals()
	if totals.Total > 0 {
		b.WriteString("  " + m.bar.ViewAs(totals.PercentComplete()/100) + "\n")
		b.WriteString(fmt.Sprintf("  %d / %d units", totals.Done(), totals.Total))
		if st.Retries > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  (%d retries)", st.Retries)))
		}
		b.WriteString("\n")
	}
	if st.ElapsedTime > 0 {
		b.WriteString(fmt.Sprintf("  Elapsed: %s\n", st.ElapsedTime.Round(time.Second)))
	}

	if len(st.Types) > 0 {
		b.WriteString("\n")
		b.WriteString(highlightStyle.Render("  Content types:"))
		b.WriteString("\n")
		for _, ts := range st.Types {
			line := fmt.Sprintf("  %s %-20s", typeIcon(ts.State), ts.TypeID)
			if ts.Total > 0 {
				line += fmt.Sprintf(" %5.1f%%", ts.PercentComplete())
			}
			line += dimStyle.Render(fmt.Sprintf("  created %d  linked %d  skipped %d", ts.Created, ts.Linked, ts.Skipped))
			if ts.Failed > 0 {
				line += errStyle.Render(fmt.Sprintf("  failed %d", ts.Failed))
			}
			b.WriteString(line + "\n")
		}
	}

	if st.Repositories.Total+st.Remotes.Total+st.Distributions.Total > 0 {
		b.WriteString("\n")
		b.WriteString(highlightStyle.Render("  Structure:"))
		b.WriteString("\n")
		b.WriteString(structureLine("Repositories", st.Repositories))
		b.WriteString(structureLine("Remotes", st.Remotes))
		b.WriteString(structureLine("Distributions", st.Distributions))
	}

	if st.FailureCount > 0 {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(fmt.Sprintf("  Failures (%d):", st.FailureCount)))
		b.WriteString("\n")
		failures := st.Failures
		if len(failures) > maxFailuresShown {
			failures = failures[len(failures)-maxFailuresShown:]
		}
		for _, f := range failures {
			b.WriteString(fmt.Sprintf("  - [%s] %s\n", f.Kind, f.Message))
		}
	}

	b.WriteString("\n")
	switch {
	case m.finished && m.err != nil:
		b.WriteString(errStyle.Render("  Migration failed: " + m.err.Error()))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Press enter to exit"))
	case m.finished:
		if st.Outcome == migration.OutcomePartialFailure {
			b.WriteString(warnStyle.Render("  Migration finished with failures."))
		} else {
			b.WriteString(successStyle.Render("  Migration completed successfully!"))
		}
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("  Press enter to exit"))
	case m.cancelling:
		b.WriteString(warnStyle.Render("  Cancelling; waiting for in-flight units..."))
	default:
		b.WriteString(dimStyle.Render("  q: cancel migration (re-run the plan to resume)"))
	}

	return b.String()
}

// Done returns true when the model is finished.
func (m ProgressModel) Done() bool {
	return m.done
}

// Cancelled returns true if the user cancelled the run.
func (m ProgressModel) Cancelled() bool {
	return m.cancelling
}

// Status returns the last status seen.
func (m ProgressModel) Status() *migration.Status {
	return m.status
}

func stateStyle(st *migration.Status) lipgloss.Style {
	switch {
	case st.State == migration.StateFailed:
		return errStyle
	case st.State == migration.StateComplete && st.Outcome == migration.OutcomePartialFailure:
		return warnStyle
	case st.State == migration.StateComplete:
		return successStyle
	case st.State == migration.StatePending:
		return dimStyle
	default:
		return highlightStyle
	}
}

func typeIcon(state string) string {
	switch state {
	case migration.TypeCompleted:
		return successStyle.Render("OK")
	case migration.TypeMirroring, migration.TypeReconciling:
		return highlightStyle.Render(">>")
	case migration.TypeFailed:
		return errStyle.Render("XX")
	case migration.TypeCancelled:
		return warnStyle.Render("--")
	default:
		return dimStyle.Render("..")
	}
}

func structureLine(label string, c migration.StructureCounts) string {
	line := fmt.Sprintf("  %-14s %d total, %d created, %d updated, %d unchanged", label, c.Total, c.Created, c.Updated, c.Unchanged)
	if c.Failed > 0 {
		line += errStyle.Render(fmt.Sprintf(", %d failed", c.Failed))
	}
	return line + "\n"
}
