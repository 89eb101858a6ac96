// Package engine wires configuration, stores and the plan executor into the
// operations the CLI exposes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/aws"
	"github.com/reloquent/carryover/internal/config"
	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/lock"
	"github.com/reloquent/carryover/internal/metrics"
	"github.com/reloquent/carryover/internal/migration"
	"github.com/reloquent/carryover/internal/plan"
	"github.com/reloquent/carryover/internal/plugins"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/report"
	"github.com/reloquent/carryover/internal/retry"
	"github.com/reloquent/carryover/internal/state"
	"github.com/reloquent/carryover/internal/store"
	"github.com/reloquent/carryover/internal/validation"
)

// Engine is the core migration engine shared by all commands.
type Engine struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *registry.Registry
	Metrics  *metrics.Recorder

	// Mirror, Store and AWS are created on Connect unless set beforehand.
	Mirror legacy.Mirror
	Store  store.Store
	AWS    aws.Client

	statePath string
	lockDir   string

	mu       sync.Mutex
	executor *migration.Executor
}

// New creates a new Engine with the given config and logger.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg, err := plugins.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("registering plugins: %w", err)
	}
	return &Engine{
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Metrics:   metrics.New(),
		statePath: filepath.Join(cfg.Engine.StateDir, "state.yaml"),
		lockDir:   filepath.Join(cfg.Engine.StateDir, "locks"),
	}, nil
}

// StatePath is the local state file.
func (e *Engine) StatePath() string {
	return e.statePath
}

// ConnectLegacy opens the legacy store if no mirror is set.
func (e *Engine) ConnectLegacy(ctx context.Context) error {
	if e.Mirror != nil {
		return nil
	}
	m, err := legacy.NewMongoMirror(ctx, legacy.MongoOptions{
		URI:       e.Config.Legacy.ConnectionString,
		Database:  e.Config.Legacy.Database,
		BatchSize: e.Config.Legacy.BatchSize,
		Timeout:   e.Config.Legacy.Timeout,
	}, e.Registry, e.Logger)
	if err != nil {
		return err
	}
	e.Mirror = m
	return nil
}

// ConnectDestination opens the destination store if none is set.
func (e *Engine) ConnectDestination(ctx context.Context) error {
	if e.Store != nil {
		return nil
	}
	s, err := store.NewPostgresStore(ctx, store.PostgresOptions{
		DSN:      e.Config.Destination.DSN,
		MaxConns: e.Config.Destination.MaxConnections,
	}, e.Logger)
	if err != nil {
		return err
	}
	e.Store = s
	return nil
}

// Connect opens both stores.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.ConnectLegacy(ctx); err != nil {
		return err
	}
	return e.ConnectDestination(ctx)
}

// Close releases both stores.
func (e *Engine) Close(ctx context.Context) {
	if e.Mirror != nil {
		if err := e.Mirror.Close(ctx); err != nil {
			e.Logger.Warn("closing legacy store", "error", err)
		}
	}
	if e.Store != nil {
		e.Store.Close()
	}
}

// MigrateSchema brings the destination schema up to date.
func (e *Engine) MigrateSchema() (uint, error) {
	return store.Migrate(e.Config.Destination.DSN, e.Logger)
}

// LoadPlan reads a plan file and checks it against the registered plugins.
func (e *Engine) LoadPlan(path string) (*plan.Plan, error) {
	p, err := plan.Load(path)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(e.Registry); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) executorOptions(dryRun bool) migration.Options {
	return migration.Options{
		Workers:   e.Config.Engine.Workers,
		BatchSize: e.Config.Legacy.BatchSize,
		Retry: retry.Config{
			MaxRetries:   e.Config.Engine.Retry.MaxRetries,
			InitialDelay: e.Config.Engine.Retry.InitialDelay,
			MaxDelay:     e.Config.Engine.Retry.MaxDelay,
		},
		DryRun: dryRun,
	}
}

// Snapshot returns the status of the run in progress, if any.
func (e *Engine) Snapshot() *migration.Status {
	e.mu.Lock()
	exec := e.executor
	e.mu.Unlock()
	if exec == nil {
		return nil
	}
	return exec.Snapshot()
}

// LastStatus returns the latest persisted status of planName, falling back
// to the local state file when the destination is unreachable.
func (e *Engine) LastStatus(ctx context.Context, planName string) (*migration.Status, error) {
	if e.Store != nil {
		rec, err := e.Store.LatestRun(ctx, planName)
		if err == nil {
			return migration.DecodeStatus(rec)
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			e.Logger.Warn("reading run history", "plan", planName, "error", err)
		}
	}

	st, err := state.Load(e.statePath)
	if err != nil {
		return nil, err
	}
	run, ok := st.LastRun(planName)
	if !ok {
		return nil, fmt.Errorf("no runs recorded for plan %s: %w", planName, apperrors.ErrNotFound)
	}
	return statusFromState(planName, st.Plans[planName].PlanHash, run), nil
}

func statusFromState(planName, hash string, run state.Run) *migration.Status {
	s := &migration.Status{
		Plan:         planName,
		PlanHash:     hash,
		DryRun:       run.DryRun,
		State:        migration.State(run.State),
		Outcome:      run.Outcome,
		Error:        run.Error,
		FailureCount: run.Failures,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if id, err := uuid.Parse(run.ID); err == nil {
		s.RunID = id
	}
	if run.FinishedAt != nil {
		s.ElapsedTime = run.FinishedAt.Sub(run.StartedAt)
	}
	return s
}

// recordState stores a run summary in the local state file.
func (e *Engine) recordState(planPath string, p *plan.Plan, status *migration.Status, reportPath string) {
	st, err := state.Load(e.statePath)
	if err != nil {
		e.Logger.Warn("loading state file", "error", err)
		return
	}
	st.RecordRun(p.Name, planPath, p.Hash(), state.Run{
		ID:         status.RunID.String(),
		State:      string(status.State),
		Outcome:    status.Outcome,
		DryRun:     status.DryRun,
		StartedAt:  status.StartedAt,
		FinishedAt: status.FinishedAt,
		Failures:   status.FailureCount,
		ReportPath: reportPath,
		Error:      status.Error,
	})
	if err := st.Save(e.statePath); err != nil {
		e.Logger.Warn("saving state file", "error", err)
	}
}

// Verify compares the legacy store with the migrated data for p.
func (e *Engine) Verify(ctx context.Context, p *plan.Plan, callback func(subject, check string, passed bool)) (*validation.Result, error) {
	v := &validation.Validator{
		Mirror:   e.Mirror,
		Store:    e.Store,
		Plugins:  e.Registry,
		Callback: callback,
	}
	start := time.Now()
	result, err := v.Validate(ctx, p)
	if err != nil {
		return nil, err
	}
	e.Logger.Info("verification finished", "plan", p.Name, "status", result.Status, "elapsed", time.Since(start))
	return result, nil
}

// Inventory lists legacy content types with their counts and whether a
// registered plugin handles them.
func (e *Engine) Inventory(ctx context.Context) ([]InventoryEntry, error) {
	counts, err := e.Mirror.Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading legacy inventory: %w", err)
	}
	out := make([]InventoryEntry, 0, len(counts))
	for _, c := range counts {
		entry := InventoryEntry{TypeCount: c}
		if ct, err := e.Registry.Resolve(c.TypeID); err == nil {
			entry.Supported = true
			entry.Plugin = ct.Plugin
		}
		out = append(out, entry)
	}
	return out, nil
}

// InventoryEntry is one legacy content type.
type InventoryEntry struct {
	legacy.TypeCount `yaml:",inline"`
	Plugin           string `json:"plugin,omitempty" yaml:"plugin,omitempty"`
	Supported        bool   `json:"supported" yaml:"supported"`
}

// Reset forgets unprocessed records and watermarks of the plan's content
// types, so that the next run rescans the legacy store from the start.
// Migrated content and mappings are kept. With purgeArchive, archived
// reports of the plan are deleted as well.
func (e *Engine) Reset(ctx context.Context, p *plan.Plan, purgeArchive bool) (int64, error) {
	lockPath := lock.PathFor(e.lockDir, p.Name)
	if err := lock.Acquire(lockPath); err != nil {
		return 0, fmt.Errorf("plan %s: %w", p.Name, err)
	}
	defer e.releaseLock(lockPath)

	var typeIDs []string
	for _, sel := range p.Selections() {
		plugin, err := e.Registry.Plugin(sel.Plugin)
		if err != nil {
			return 0, err
		}
		typeIDs = append(typeIDs, plugin.TypeIDs()...)
	}

	removed, err := e.Store.ResetPending(ctx, typeIDs)
	if err != nil {
		return 0, fmt.Errorf("removing pending records: %w", err)
	}
	if err := e.Store.ClearWatermarks(ctx, typeIDs); err != nil {
		return removed, fmt.Errorf("clearing watermarks: %w", err)
	}
	e.Logger.Info("plan reset", "plan", p.Name, "types", typeIDs, "pending_removed", removed)

	if purgeArchive {
		archiver, err := e.archiver(ctx)
		if err != nil {
			return removed, err
		}
		if archiver == nil {
			return removed, fmt.Errorf("no report bucket configured")
		}
		if err := archiver.Purge(ctx, p.Name); err != nil {
			return removed, fmt.Errorf("purging archived reports: %w", err)
		}
	}
	return removed, nil
}

func (e *Engine) releaseLock(path string) {
	if err := lock.Release(path); err != nil {
		e.Logger.Warn("releasing lock", "path", path, "error", err)
	}
}

// archiver returns nil when no report bucket is configured.
func (e *Engine) archiver(ctx context.Context) (*aws.ReportArchiver, error) {
	rc := e.Config.Report
	if rc.S3Bucket == "" {
		return nil, nil
	}
	if e.AWS == nil {
		client, err := aws.NewSDKClient(ctx, rc.Profile, rc.Region)
		if err != nil {
			return nil, err
		}
		e.AWS = client
	}
	return aws.NewReportArchiver(e.AWS, rc.S3Bucket, rc.S3Prefix), nil
}

// statusObject is the archived copy of the final run status.
const statusObject = "status.json"

func archiveStatus(ctx context.Context, archiver *aws.ReportArchiver, status *migration.Status) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding run status: %w", err)
	}
	return archiver.ArchiveBytes(ctx, status.Plan, status.RunID.String(), statusObject, data)
}

// CheckArchive verifies AWS credentials for the report bucket. It returns
// nil identity and no error when no bucket is configured.
func (e *Engine) CheckArchive(ctx context.Context) (*aws.CallerIdentity, error) {
	archiver, err := e.archiver(ctx)
	if err != nil || archiver == nil {
		return nil, err
	}
	id, err := aws.CheckArchiveAccess(ctx, e.AWS, e.Config.Report.S3Bucket)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug("report archive reachable", "bucket", e.Config.Report.S3Bucket, "account", id.Account)
	return id, nil
}

// writeReport renders the report locally and archives it when a bucket is
// configured. Archive failures are logged; the local report stays.
func (e *Engine) writeReport(ctx context.Context, status *migration.Status, vr *validation.Result) (*report.MigrationReport, []string, error) {
	r := report.GenerateReport(status, vr)
	paths, err := report.WriteAll(r, e.Config.Report.Directory)
	if err != nil {
		return r, nil, err
	}

	archiver, err := e.archiver(ctx)
	if err != nil {
		e.Logger.Warn("report archive unavailable", "error", err)
		return r, paths, nil
	}
	if archiver == nil {
		return r, paths, nil
	}
	uris, err := archiver.Archive(ctx, status.Plan, status.RunID.String(), paths...)
	if err != nil {
		e.Logger.Warn("archiving report", "error", err)
		return r, paths, nil
	}
	if uri, err := archiveStatus(ctx, archiver, status); err != nil {
		e.Logger.Warn("archiving run status", "error", err)
	} else {
		uris = append(uris, uri)
	}
	r.Archive = uris
	e.Logger.Info("report archived", "uris", uris)
	// local copy carries the archive locations
	paths, err = report.WriteAll(r, e.Config.Report.Directory)
	return r, paths, err
}
