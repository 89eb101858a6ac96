// Package migration drives a migration plan through its phases: mirroring
// legacy content, reconciling it, then rebuilding repositories and
// distributions.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/plan"
	"github.com/reloquent/carryover/internal/rebuild"
	"github.com/reloquent/carryover/internal/reconcile"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/retry"
	"github.com/reloquent/carryover/internal/store"
)

const defaultWorkers = 4

// Registry is the plugin registry as the executor uses it.
type Registry interface {
	plan.PluginLookup
	reconcile.TypeResolver
	rebuild.PluginSource
}

// Options tune a run.
type Options struct {
	// Workers bounds how many content types are processed at once.
	Workers   int
	BatchSize int
	Retry     retry.Config
	// DryRun reports what would be migrated without writing anything.
	DryRun bool
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.BatchSize <= 0 {
		o.BatchSize = legacy.DefaultBatchSize
	}
	return o
}

// Executor orchestrates the migration process.
type Executor struct {
	mirror     legacy.Mirror
	store      store.Store
	registry   Registry
	reconciler *reconcile.Reconciler
	rebuilder  *rebuild.Rebuilder
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	status   *Status
	callback StatusCallback
}

// NewExecutor creates a new migration executor.
func NewExecutor(mirror legacy.Mirror, st store.Store, reg Registry, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	rec := reconcile.New(st, reg, logger)
	e := &Executor{
		mirror:     mirror,
		store:      st,
		registry:   reg,
		reconciler: rec,
		rebuilder:  rebuild.New(mirror, st, rec, reg, logger),
		opts:       opts.withDefaults(),
		logger:     logger,
	}
	e.rebuilder.OnExcluded = func(_ string, members []model.MemberRef) {
		e.update(func(s *Status) { s.ExcludedMembers += int64(len(members)) })
	}
	return e
}

type job struct {
	sel    plan.Selection
	plugin registry.Plugin
}

// Run executes p. It returns the final status; the error is non-nil only
// when the run ends FAILED. Item-level failures leave the run COMPLETE with
// a partial_failure outcome. Running the same plan again resumes it.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, callback StatusCallback) (*Status, error) {
	st := &Status{
		RunID:     uuid.New(),
		Plan:      p.Name,
		PlanHash:  p.Hash(),
		DryRun:    e.opts.DryRun,
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	}
	e.mu.Lock()
	if e.status != nil && !e.status.State.Terminal() {
		e.mu.Unlock()
		return nil, errors.New("a run is already in progress")
	}
	e.status, e.callback = st, callback
	e.mu.Unlock()

	e.logger.Info("starting run", "run", st.RunID, "plan", p.Name, "dry_run", e.opts.DryRun)
	e.publish(ctx)

	if err := p.Validate(e.registry); err != nil {
		return e.finish(ctx, fmt.Errorf("invalid plan: %w", err))
	}
	jobs, err := e.jobs(p)
	if err != nil {
		return e.finish(ctx, err)
	}

	if e.opts.DryRun {
		return e.finish(ctx, e.dryRun(ctx, jobs))
	}

	if err := e.advance(ctx, StateMirroringContent); err != nil {
		return e.finish(ctx, err)
	}
	if err := e.forEachType(ctx, jobs, e.mirrorType); err != nil {
		return e.finish(ctx, err)
	}

	if err := e.advance(ctx, StateReconcilingContent); err != nil {
		return e.finish(ctx, err)
	}
	if err := e.forEachType(ctx, jobs, e.reconcileType); err != nil {
		return e.finish(ctx, err)
	}
	if p.ContentOnly() {
		return e.finish(ctx, nil)
	}

	if err := e.advance(ctx, StateRebuildingRepositories); err != nil {
		return e.finish(ctx, err)
	}
	work, err := e.rebuildRepositories(ctx, jobs)
	if err != nil {
		return e.finish(ctx, err)
	}

	if err := e.advance(ctx, StateRebuildingDistributions); err != nil {
		return e.finish(ctx, err)
	}
	if err := e.rebuildDistributions(ctx, work); err != nil {
		return e.finish(ctx, err)
	}
	return e.finish(ctx, nil)
}

// Snapshot returns a copy of the current run status, or nil before the
// first run.
func (e *Executor) Snapshot() *Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == nil {
		return nil
	}
	return e.status.Clone()
}

func (e *Executor) jobs(p *plan.Plan) ([]job, error) {
	sels := p.Selections()
	jobs := make([]job, 0, len(sels))
	for _, sel := range sels {
		plugin, err := e.registry.Plugin(sel.Plugin)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{sel: sel, plugin: plugin})
	}

	e.update(func(s *Status) {
		for _, j := range jobs {
			if !j.sel.Content {
				continue
			}
			for _, typeID := range j.plugin.TypeIDs() {
				s.Types = append(s.Types, TypeStatus{TypeID: typeID, Plugin: j.plugin.Name, State: TypePending})
			}
		}
	})
	return jobs, nil
}

// forEachType runs fn for every selected content type, at most
// Options.Workers at a time. The first error cancels the others.
func (e *Executor) forEachType(ctx context.Context, jobs []job, fn func(ctx context.Context, typeID string) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for _, j := range jobs {
		if !j.sel.Content {
			continue
		}
		for _, typeID := range j.plugin.TypeIDs() {
			g.Go(func() error {
				return fn(gctx, typeID)
			})
		}
	}
	return g.Wait()
}

// mirrorType registers a pending record for every unit of typeID changed
// since the type's watermark.
func (e *Executor) mirrorType(ctx context.Context, typeID string) (err error) {
	defer func() { e.setTypeState(typeID, err, TypeMirrored) }()

	since, _, err := e.store.Watermark(ctx, typeID)
	if err != nil {
		return fmt.Errorf("reading watermark of %s: %w", typeID, err)
	}
	total, err := e.mirror.CountContent(ctx, typeID)
	if err != nil {
		return fmt.Errorf("counting %s: %w", typeID, err)
	}
	e.update(func(s *Status) {
		ts := s.typeStatus(typeID)
		ts.State = TypeMirroring
		ts.Total = total
	})

	var registered int64
	err = retry.Do(ctx, e.opts.Retry, func() error {
		batch := make([]model.MigrationRecord, 0, e.opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := e.store.RegisterPending(ctx, batch)
			if err != nil {
				return err
			}
			registered += n
			batch = batch[:0]
			return nil
		}
		for d, err := range e.mirror.IterContent(ctx, typeID, since) {
			if err != nil {
				return fmt.Errorf("reading %s content: %w", typeID, err)
			}
			batch = append(batch, model.PendingRecord(d))
			if len(batch) >= e.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	}, e.retryNotify("mirroring", typeID))
	if err != nil {
		return err
	}

	e.update(func(s *Status) { s.typeStatus(typeID).Registered = registered })
	e.logger.Info("mirrored content type", "type", typeID, "total", total, "registered", registered, "since", since)
	return nil
}

// position is the (last updated, legacy id) sort key of the last unit
// handled, used to resume an interrupted sequence.
type position struct {
	updated  int64
	legacyID string
}

func (p position) before(d model.LegacyContentDescriptor) bool {
	if p.updated != d.LastUpdated {
		return p.updated < d.LastUpdated
	}
	return p.legacyID < d.LegacyID
}

// reconcileType reconciles every unit of typeID serially. A transient read
// error restarts the sequence after the last unit handled. The watermark
// only advances when the whole sequence finished without item failures.
func (e *Executor) reconcileType(ctx context.Context, typeID string) (err error) {
	defer func() { e.setTypeState(typeID, err, TypeCompleted) }()

	since, _, err := e.store.Watermark(ctx, typeID)
	if err != nil {
		return fmt.Errorf("reading watermark of %s: %w", typeID, err)
	}
	e.update(func(s *Status) { s.typeStatus(typeID).State = TypeReconciling })

	var (
		last   *position
		high   = since
		failed bool
	)
	err = retry.Do(ctx, e.opts.Retry, func() error {
		from := since
		if last != nil {
			from = last.updated
		}
		for d, err := range e.mirror.IterContent(ctx, typeID, from) {
			if err != nil {
				return fmt.Errorf("reading %s content: %w", typeID, err)
			}
			if last != nil && !last.before(d) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			itemFailed, err := e.reconcileOne(ctx, d)
			if err != nil {
				return err
			}
			failed = failed || itemFailed
			last = &position{updated: d.LastUpdated, legacyID: d.LegacyID}
			high = max(high, d.LastUpdated)
		}
		return nil
	}, e.retryNotify("reconciling", typeID))
	if err != nil {
		return err
	}

	ts := e.typeSnapshot(typeID)
	e.logger.Info("reconciled content type", "type", typeID,
		"created", ts.Created, "linked", ts.Linked, "skipped", ts.Skipped, "failed", ts.Failed)

	if failed || last == nil {
		return nil
	}
	if err := e.store.SetWatermark(ctx, typeID, high); err != nil {
		return fmt.Errorf("advancing watermark of %s: %w", typeID, err)
	}
	return nil
}

// reconcileOne reports an item failure via its bool result; the error is
// reserved for failures that must stop the run.
func (e *Executor) reconcileOne(ctx context.Context, d model.LegacyContentDescriptor) (bool, error) {
	res, err := retry.DoWithResult(ctx, e.opts.Retry, func() (reconcile.Result, error) {
		return e.reconciler.Reconcile(ctx, d)
	}, e.retryNotify("reconciling", d.TypeID))
	if err == nil {
		e.update(func(s *Status) {
			ts := s.typeStatus(d.TypeID)
			switch res.Outcome {
			case reconcile.Created:
				ts.Created++
			case reconcile.Linked:
				ts.Linked++
			case reconcile.Skipped:
				ts.Skipped++
			}
		})
		return false, nil
	}
	if ferr := fatal(ctx, err); ferr != nil {
		return false, ferr
	}

	e.logger.Warn("failed to reconcile", "type", d.TypeID, "legacy_id", d.LegacyID, "error", err)
	e.update(func(s *Status) {
		s.typeStatus(d.TypeID).Failed++
		s.addFailure(failureOf(apperrors.WithItem(err, d.TypeID, d.LegacyID)))
	})
	return true, nil
}

// fatal returns the error that should end the run, or nil if err only
// fails the item at hand.
func fatal(ctx context.Context, err error) error {
	if errors.Is(err, apperrors.ErrConsistency) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// repoWork is a legacy repository visited in the repository phase.
type repoWork struct {
	sel  plan.Selection
	repo model.LegacyRepository
	ok   bool
}

func (e *Executor) rebuildRepositories(ctx context.Context, jobs []job) ([]repoWork, error) {
	var work []repoWork
	for _, j := range jobs {
		if !j.sel.Structure() {
			continue
		}
		repos, err := retry.DoWithResult(ctx, e.opts.Retry, func() ([]model.LegacyRepository, error) {
			return legacy.Collect(e.mirror.IterRepositories(ctx, j.plugin.RepositoryType, j.sel.RepositoryIDs))
		}, e.retryNotify("listing repositories", ""))
		if err != nil {
			return work, fmt.Errorf("listing %s repositories: %w", j.plugin.Name, err)
		}
		if j.sel.Repositories {
			e.update(func(s *Status) { s.Repositories.Total += int64(len(repos)) })
		}

		for _, repo := range repos {
			if err := ctx.Err(); err != nil {
				return work, err
			}
			ok, err := e.migrateRepository(ctx, j.sel, repo)
			if err != nil {
				return work, err
			}
			work = append(work, repoWork{sel: j.sel, repo: repo, ok: ok})
		}
	}
	return work, nil
}

// migrateRepository rebuilds one repository and then its remotes, so a
// remote can be attached to the repository it belongs to.
func (e *Executor) migrateRepository(ctx context.Context, sel plan.Selection, repo model.LegacyRepository) (bool, error) {
	ok := true
	if sel.Repositories {
		before, err := e.store.GetRepositoryMapping(ctx, repo.RepoID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return false, err
		}
		mapping, err := retry.DoWithResult(ctx, e.opts.Retry, func() (*model.RepositoryMapping, error) {
			return e.rebuilder.RebuildRepository(ctx, repo)
		}, e.retryNotify("rebuilding repository", ""))
		if err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return false, ferr
			}
			e.structureFailure(repo.RepoID, err, func(s *Status) *StructureCounts { return &s.Repositories })
			ok = false
		} else {
			action := rebuild.ActionUnchanged
			switch {
			case before == nil:
				action = rebuild.ActionCreated
			case len(mapping.Versions) > len(before.Versions):
				action = rebuild.ActionUpdated
			}
			e.update(func(s *Status) { count(&s.Repositories, action) })
			e.logger.Info("rebuilt repository", "repo", repo.RepoID, "versions", len(mapping.Versions), "action", action)
		}
	}

	if sel.Importers {
		results, err := retry.DoWithResult(ctx, e.opts.Retry, func() ([]rebuild.ImporterResult, error) {
			return e.rebuilder.MigrateImporters(ctx, repo)
		}, e.retryNotify("migrating importers", ""))
		e.update(func(s *Status) {
			s.Remotes.Total += int64(len(results))
			for _, r := range results {
				count(&s.Remotes, r.Action)
			}
		})
		if err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return false, ferr
			}
			e.structureFailure(repo.RepoID, err, func(s *Status) *StructureCounts { return &s.Remotes })
		}
	}
	return ok, nil
}

func (e *Executor) rebuildDistributions(ctx context.Context, work []repoWork) error {
	for _, w := range work {
		if !w.sel.Distributors {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.ok {
			e.logger.Info("skipped distributors of failed repository", "repo", w.repo.RepoID)
			e.update(func(s *Status) { s.Distributions.Skipped++ })
			continue
		}
		results, err := retry.DoWithResult(ctx, e.opts.Retry, func() ([]rebuild.DistributionResult, error) {
			return e.rebuilder.RebuildDistributions(ctx, w.repo)
		}, e.retryNotify("rebuilding distributions", ""))
		e.update(func(s *Status) {
			s.Distributions.Total += int64(len(results))
			for _, r := range results {
				count(&s.Distributions, r.Action)
			}
		})
		if err != nil {
			if ferr := fatal(ctx, err); ferr != nil {
				return ferr
			}
			e.structureFailure(w.repo.RepoID, err, func(s *Status) *StructureCounts { return &s.Distributions })
		}
	}
	return nil
}

func (e *Executor) structureFailure(repoID string, err error, counts func(*Status) *StructureCounts) {
	e.logger.Warn("failed to migrate repository structure", "repo", repoID, "error", err)
	f := failureOf(err)
	if f.RepoID == "" {
		f.RepoID = repoID
	}
	e.update(func(s *Status) {
		counts(s).Failed++
		s.addFailure(f)
	})
}

func count(c *StructureCounts, action rebuild.Action) {
	switch action {
	case rebuild.ActionCreated:
		c.Created++
	case rebuild.ActionUpdated:
		c.Updated++
	case rebuild.ActionUnchanged:
		c.Unchanged++
	case rebuild.ActionSkipped:
		c.Skipped++
	}
}

// dryRun fills in the counts a real run would work through. It reads from
// both stores and writes to neither.
func (e *Executor) dryRun(ctx context.Context, jobs []job) error {
	for _, j := range jobs {
		if j.sel.Content {
			for _, typeID := range j.plugin.TypeIDs() {
				total, err := e.mirror.CountContent(ctx, typeID)
				if err != nil {
					return fmt.Errorf("counting %s: %w", typeID, err)
				}
				counts, err := e.store.CountRecords(ctx, typeID)
				if err != nil {
					return err
				}
				e.update(func(s *Status) {
					ts := s.typeStatus(typeID)
					ts.Total = total
					ts.Skipped = counts.Processed
				})
				e.logger.Info("would migrate content type", "type", typeID, "total", total, "already_migrated", counts.Processed)
			}
		}
		if !j.sel.Structure() {
			continue
		}
		for repo, err := range e.mirror.IterRepositories(ctx, j.plugin.RepositoryType, j.sel.RepositoryIDs) {
			if err != nil {
				return fmt.Errorf("listing %s repositories: %w", j.plugin.Name, err)
			}
			if err := e.previewRepository(ctx, j.sel, repo); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) previewRepository(ctx context.Context, sel plan.Selection, repo model.LegacyRepository) error {
	var importers, distributors int64
	if sel.Importers {
		imps, err := legacy.Collect(e.mirror.IterImporters(ctx, repo.RepoID))
		if err != nil {
			return err
		}
		importers = int64(len(imps))
	}
	if sel.Distributors {
		dists, err := legacy.Collect(e.mirror.IterDistributors(ctx, repo.RepoID))
		if err != nil {
			return err
		}
		distributors = int64(len(dists))
	}
	_, err := e.store.GetRepositoryMapping(ctx, repo.RepoID)
	mapped := err == nil
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	e.update(func(s *Status) {
		if sel.Repositories {
			s.Repositories.Total++
			if mapped {
				s.Repositories.Unchanged++
			}
		}
		s.Remotes.Total += importers
		s.Distributions.Total += distributors
	})
	e.logger.Info("would migrate repository", "repo", repo.RepoID, "plugin", repo.Plugin,
		"already_mapped", mapped, "importers", importers, "distributors", distributors)
	return nil
}

func (e *Executor) update(fn func(s *Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.status)
}

func (e *Executor) typeSnapshot(typeID string) TypeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.status.typeStatus(typeID)
}

func (e *Executor) setTypeState(typeID string, err error, done string) {
	e.update(func(s *Status) {
		ts := s.typeStatus(typeID)
		switch {
		case err == nil:
			ts.State = done
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			ts.State = TypeCancelled
		default:
			ts.State = TypeFailed
		}
	})
}

func (e *Executor) retryNotify(op, typeID string) retry.NotifyFunc {
	return func(err error, wait time.Duration) {
		e.update(func(s *Status) { s.Retries++ })
		e.logger.Warn("retrying after transient error", "op", op, "type", typeID, "wait", wait, "error", err)
	}
}

func (e *Executor) advance(ctx context.Context, to State) error {
	e.mu.Lock()
	err := e.status.transition(to)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.logger.Info("run state changed", "state", to)
	e.publish(ctx)
	return nil
}

// finish moves the run to its terminal state and publishes it.
func (e *Executor) finish(ctx context.Context, runErr error) (*Status, error) {
	e.mu.Lock()
	st := e.status
	now := time.Now().UTC()
	st.FinishedAt = &now
	st.ElapsedTime = now.Sub(st.StartedAt)

	if runErr == nil {
		runErr = st.transition(StateComplete)
	}
	switch {
	case runErr == nil:
		st.Outcome = OutcomeSuccess
		if st.FailureCount > 0 {
			st.Outcome = OutcomePartialFailure
		}
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		runErr = fmt.Errorf("run cancelled: %w", runErr)
		st.State = StateFailed
		st.Outcome = OutcomeCancelled
		st.Error = "cancelled"
	default:
		st.State = StateFailed
		st.Outcome = OutcomeFailed
		st.Error = runErr.Error()
		if apperrors.KindOf(runErr) != apperrors.KindInternal {
			st.addFailure(failureOf(runErr))
		}
	}
	e.mu.Unlock()

	snap := e.Snapshot()
	if runErr != nil {
		e.logger.Error("run failed", "run", snap.RunID, "error", runErr)
	} else {
		totals := snap.Totals()
		e.logger.Info("run complete", "run", snap.RunID, "outcome", snap.Outcome,
			"created", totals.Created, "linked", totals.Linked, "skipped", totals.Skipped,
			"failed", snap.FailureCount, "elapsed", snap.ElapsedTime)
	}
	e.publish(ctx)
	return snap, runErr
}

// publish persists the current status and hands a copy to the callback.
func (e *Executor) publish(ctx context.Context) {
	e.mu.Lock()
	snap := e.status.Clone()
	callback := e.callback
	e.mu.Unlock()

	if !snap.DryRun {
		e.persist(context.WithoutCancel(ctx), snap)
	}
	if callback != nil {
		callback(snap)
	}
}

func (e *Executor) persist(ctx context.Context, st *Status) {
	data, err := json.Marshal(st)
	if err != nil {
		e.logger.Warn("encoding run status", "error", err)
		return
	}
	err = e.store.SaveRun(ctx, store.RunRecord{
		ID:         st.RunID,
		Plan:       st.Plan,
		State:      string(st.State),
		Status:     data,
		Error:      st.Error,
		StartedAt:  st.StartedAt,
		FinishedAt: st.FinishedAt,
	})
	if err != nil {
		e.logger.Warn("saving run status", "run", st.RunID, "error", err)
	}
}

// DecodeStatus decodes the status stored with a run record.
func DecodeStatus(rec *store.RunRecord) (*Status, error) {
	st := &Status{}
	if err := json.Unmarshal(rec.Status, st); err != nil {
		return nil, fmt.Errorf("decoding status of run %s: %w", rec.ID, err)
	}
	return st, nil
}
