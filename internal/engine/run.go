package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/reloquent/carryover/internal/lock"
	"github.com/reloquent/carryover/internal/migration"
	"github.com/reloquent/carryover/internal/plan"
	"github.com/reloquent/carryover/internal/validation"
)

// WatchFunc runs fn while presenting progress polled from source.
type WatchFunc func(ctx context.Context, source migration.SnapshotSource, fn func(ctx context.Context) (*migration.Status, error)) (*migration.Status, error)

// RunOptions controls one migration run.
type RunOptions struct {
	DryRun bool
	// Verify runs the post-migration checks after a successful run.
	Verify   bool
	PlanPath string
	Callback migration.StatusCallback
	Watch    WatchFunc
}

// RunResult is everything a run produced.
type RunResult struct {
	Status     *migration.Status
	Validation *validation.Result
	Reports    []string
	Archive    []string
}

// Run executes p under the plan's lock and then records the outcome in
// metrics, the report directory and the local state file. The returned
// error is the run's own; reporting problems are logged.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, opts RunOptions) (*RunResult, error) {
	if err := p.Validate(e.Registry); err != nil {
		return nil, err
	}

	if !opts.DryRun {
		lockPath := lock.PathFor(e.lockDir, p.Name)
		if err := lock.Acquire(lockPath); err != nil {
			return nil, fmt.Errorf("another carryover run of plan %s is active: %w", p.Name, err)
		}
		defer e.releaseLock(lockPath)

		if _, err := e.CheckArchive(ctx); err != nil {
			return nil, fmt.Errorf("report archive: %w", err)
		}
	}

	exec := migration.NewExecutor(e.Mirror, e.Store, e.Registry, e.executorOptions(opts.DryRun), e.Logger)
	e.mu.Lock()
	e.executor = exec
	e.mu.Unlock()

	run := func(ctx context.Context) (*migration.Status, error) {
		return exec.Run(ctx, p, opts.Callback)
	}

	e.Logger.Info("run starting", "plan", p.Name, "plan_hash", p.Hash(), "dry_run", opts.DryRun)
	var (
		status *migration.Status
		runErr error
	)
	if opts.Watch != nil {
		status, runErr = opts.Watch(ctx, exec, run)
	} else {
		status, runErr = run(ctx)
	}
	if status == nil {
		// the plan was rejected before a status existed
		return nil, runErr
	}

	result := &RunResult{Status: status}
	if opts.Verify && runErr == nil && !status.DryRun {
		vr, err := e.Verify(context.WithoutCancel(ctx), p, nil)
		if err != nil {
			e.Logger.Warn("verification failed to run", "error", err)
		}
		result.Validation = vr
	}

	e.observe(status)

	r, paths, err := e.writeReport(context.WithoutCancel(ctx), status, result.Validation)
	if err != nil {
		e.Logger.Warn("writing report", "error", err)
	} else {
		result.Reports = paths
		result.Archive = r.Archive
	}

	reportPath := ""
	if len(result.Reports) > 0 {
		reportPath = result.Reports[0]
	}
	e.recordState(opts.PlanPath, p, status, reportPath)

	logRun(e, status, runErr)
	return result, runErr
}

func (e *Engine) observe(status *migration.Status) {
	e.Metrics.Observe(status)
	if path := e.Config.Metrics.TextfilePath; path != "" {
		if err := e.Metrics.WriteTextfile(path); err != nil {
			e.Logger.Warn("writing metrics textfile", "path", path, "error", err)
		}
	}
}

func logRun(e *Engine, status *migration.Status, err error) {
	totals := status.Totals()
	attrs := []any{
		"plan", status.Plan,
		"run_id", status.RunID,
		"state", status.State,
		"outcome", status.Outcome,
		"created", totals.Created,
		"linked", totals.Linked,
		"skipped", totals.Skipped,
		"failed", status.FailureCount,
		"elapsed", status.ElapsedTime,
	}
	switch {
	case errors.Is(err, context.Canceled):
		e.Logger.Warn("run cancelled", attrs...)
	case err != nil:
		e.Logger.Error("run failed", append(attrs, "error", err)...)
	default:
		e.Logger.Info("run finished", attrs...)
	}
}
