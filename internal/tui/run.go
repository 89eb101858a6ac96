package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/reloquent/carryover/internal/migration"
)

// RunFunc starts a run and blocks until it finishes.
type RunFunc func(ctx context.Context) (*migration.Status, error)

// Run executes run while showing its progress, polled from source every
// interval. Quitting the view cancels the run; Run always waits for it to
// return.
func Run(ctx context.Context, source migration.SnapshotSource, interval time.Duration, run RunFunc, opts ...tea.ProgramOption) (*migration.Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(NewProgressModel(cancel), opts...)

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go func() {
		_, _ = migration.NewMonitor(source, interval).Poll(pollCtx, func(s *migration.Status) {
			program.Send(StatusMsg{Status: s})
		})
	}()

	var (
		status *migration.Status
		runErr error
	)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		status, runErr = run(ctx)
		stopPoll()
		program.Send(DoneMsg{Status: status, Err: runErr})
	}()

	_, uiErr := program.Run()
	if uiErr != nil {
		cancel()
	}
	<-finished

	if runErr != nil {
		return status, runErr
	}
	if uiErr != nil {
		return status, fmt.Errorf("progress view: %w", uiErr)
	}
	return status, nil
}
