package migration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/plan"
	"github.com/reloquent/carryover/internal/plugins"
	"github.com/reloquent/carryover/internal/plugins/iso"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/retry"
	"github.com/reloquent/carryover/internal/store"
)

var fastRetry = retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newExecutor(t *testing.T, mirror legacy.Mirror, st store.Store, reg Registry, dryRun bool) *Executor {
	t.Helper()
	if reg == nil {
		r, err := plugins.NewRegistry()
		if err != nil {
			t.Fatal(err)
		}
		reg = r
	}
	return NewExecutor(mirror, st, reg, Options{Workers: 2, BatchSize: 7, Retry: fastRetry, DryRun: dryRun}, nil)
}

func isoUnit(id, key string, updated int64) model.LegacyContentDescriptor {
	return model.LegacyContentDescriptor{
		LegacyID:    id,
		TypeID:      "iso",
		Fields:      map[string]any{"name": key + ".iso", "checksum": "sum-" + key, "size": int64(len(key))},
		LastUpdated: updated,
		Downloaded:  true,
	}
}

func isoPlan(t *testing.T, doc string) *plan.Plan {
	t.Helper()
	p, err := plan.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	p.Name = "test"
	return p
}

func members(ids ...string) []model.MemberRef {
	out := make([]model.MemberRef, len(ids))
	for i, id := range ids {
		out[i] = model.MemberRef{LegacyID: id, TypeID: "iso"}
	}
	return out
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) callback(s *Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 || r.states[len(r.states)-1] != s.State {
		r.states = append(r.states, s.State)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateMirroringContent, true},
		{StateMirroringContent, StateReconcilingContent, true},
		{StateReconcilingContent, StateComplete, true},
		{StateReconcilingContent, StateRebuildingRepositories, true},
		{StateRebuildingRepositories, StateRebuildingDistributions, true},
		{StateRebuildingDistributions, StateComplete, true},
		{StateMirroringContent, StateRebuildingRepositories, false},
		{StatePending, StateReconcilingContent, false},
		{StateFailed, StatePending, false},
		{StateFailed, StateComplete, false},
		{StateComplete, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}

	s := &Status{State: StateComplete}
	if err := s.transition(StateMirroringContent); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestContentOnlyDuplicateKeysCollapse(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("u1", "A", 1), isoUnit("u2", "B", 2), isoUnit("u3", "A", 3))
	st := store.NewMemoryStore()
	rec := &stateRecorder{}

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n    repositories: false\n"), rec.callback)
	if err != nil {
		t.Fatal(err)
	}

	if len(st.Content()) != 2 {
		t.Errorf("expected 2 destination content objects, got %d", len(st.Content()))
	}
	records := st.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 migration records, got %d", len(records))
	}
	byID := make(map[string]model.MigrationRecord)
	for _, r := range records {
		if !r.Processed || r.DestinationID == nil {
			t.Errorf("record %s not processed: %+v", r.LegacyID, r)
		}
		byID[r.LegacyID] = r
	}
	if *byID["u1"].DestinationID != *byID["u3"].DestinationID {
		t.Error("units with equal natural keys should share a destination")
	}
	if *byID["u1"].DestinationID == *byID["u2"].DestinationID {
		t.Error("units with different natural keys should not share a destination")
	}

	want := []State{StatePending, StateMirroringContent, StateReconcilingContent, StateComplete}
	if !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}
	ts := status.Types[0]
	if ts.Created != 2 || ts.Linked != 1 || ts.Total != 3 || ts.Registered != 3 || ts.State != TypeCompleted {
		t.Errorf("type status = %+v", ts)
	}
	if status.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s", status.Outcome)
	}
	if wm, ok, _ := st.Watermark(context.Background(), "iso"); !ok || wm != 3 {
		t.Errorf("watermark = %d (set %v), want 3", wm, ok)
	}
}

func TestCancelThenResume(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	for i := range 100 {
		mirror.AddContent(isoUnit(fmt.Sprintf("u%03d", i), fmt.Sprintf("k%03d", i), int64(i+1)))
	}
	st := store.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var transforms atomic.Int64
	p := iso.Plugin()
	transform := p.ContentTypes[0].Transform
	p.ContentTypes[0].Transform = func(d model.LegacyContentDescriptor) (model.DestinationContent, error) {
		if transforms.Add(1) == 50 {
			cancel()
		}
		return transform(d)
	}
	reg := registry.New()
	if err := reg.RegisterPlugin(p); err != nil {
		t.Fatal(err)
	}
	pl := isoPlan(t, "plugins:\n  - type: iso\n    repositories: false\n")

	status, err := newExecutor(t, mirror, st, reg, false).Run(ctx, pl, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if status.State != StateFailed || status.Error != "cancelled" || status.Outcome != OutcomeCancelled {
		t.Errorf("status = %s %q %s", status.State, status.Error, status.Outcome)
	}
	if status.Types[0].Created != 50 || len(st.Content()) != 50 {
		t.Fatalf("expected 50 created before cancel, got %d (%d stored)", status.Types[0].Created, len(st.Content()))
	}
	if _, ok, _ := st.Watermark(context.Background(), "iso"); ok {
		t.Error("a cancelled type must not advance its watermark")
	}

	status, err = newExecutor(t, mirror, st, reg, false).Run(context.Background(), pl, nil)
	if err != nil {
		t.Fatal(err)
	}
	ts := status.Types[0]
	if ts.Created != 50 || ts.Skipped != 50 || ts.Failed != 0 {
		t.Errorf("resumed run = %+v, want 50 created and 50 skipped", ts)
	}
	if transforms.Load() != 100 {
		t.Errorf("expected each unit transformed once, got %d transforms", transforms.Load())
	}
	if len(st.Content()) != 100 || len(st.Records()) != 100 {
		t.Errorf("final state: %d content, %d records", len(st.Content()), len(st.Records()))
	}
}

func TestFullRunRebuildsVersionsAndDistributions(t *testing.T) {
	ctx := context.Background()
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("A", "A", 1), isoUnit("B", "B", 2), isoUnit("C", "C", 3))
	mirror.AddRepository(model.LegacyRepository{RepoID: "R", Plugin: iso.RepositoryType},
		model.VersionSnapshot{Number: 1, Members: members("A", "B")},
		model.VersionSnapshot{Number: 2, Members: members("A", "B", "C")},
	)
	mirror.AddImporter(model.LegacyImporter{
		ID: "iso_importer", RepoID: "R", TypeID: "iso_importer",
		Config: map[string]any{"feed": "https://example.com/isos/"},
	})
	mirror.AddDistributor(model.LegacyDistributor{
		ID: "iso_distributor", RepoID: "R", TypeID: "iso_distributor",
		Config: map[string]any{"relative_url": "/isos/R/"},
	})
	st := store.NewMemoryStore()
	rec := &stateRecorder{}
	pl := isoPlan(t, "plugins:\n  - type: iso\n")

	status, err := newExecutor(t, mirror, st, nil, false).Run(ctx, pl, rec.callback)
	if err != nil {
		t.Fatal(err)
	}
	want := []State{StatePending, StateMirroringContent, StateReconcilingContent,
		StateRebuildingRepositories, StateRebuildingDistributions, StateComplete}
	if !slices.Equal(rec.states, want) {
		t.Errorf("states = %v, want %v", rec.states, want)
	}

	dest := make(map[string]string)
	for _, r := range st.Records() {
		dest[r.LegacyID] = r.DestinationID.String()
	}
	m, err := st.GetRepositoryMapping(ctx, "R")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(m.Versions))
	}
	for i, wantIDs := range [][]string{{"A", "B"}, {"A", "B", "C"}} {
		v, err := st.GetRepositoryVersion(ctx, m.Versions[i].DestinationVersionID)
		if err != nil {
			t.Fatal(err)
		}
		var got, exp []string
		for _, id := range v.ContentIDs {
			got = append(got, id.String())
		}
		for _, id := range wantIDs {
			exp = append(exp, dest[id])
		}
		slices.Sort(got)
		slices.Sort(exp)
		if !slices.Equal(got, exp) {
			t.Errorf("version %d content = %v, want %v", i+1, got, exp)
		}
	}
	if m.Versions[0].DestinationNumber >= m.Versions[1].DestinationNumber {
		t.Error("destination versions should preserve legacy order")
	}

	if status.Repositories.Created != 1 || status.Remotes.Created != 1 || status.Distributions.Created != 1 {
		t.Errorf("structure counts: repos %+v remotes %+v dists %+v", status.Repositories, status.Remotes, status.Distributions)
	}
	repo, _ := st.GetRepository(ctx, m.DestinationRepoID)
	if repo.RemoteID == nil {
		t.Error("remote should be attached to the repository")
	}

	runs := st.Runs()
	if len(runs) != 1 || runs[0].State != string(StateComplete) {
		t.Fatalf("persisted runs = %+v", runs)
	}
	decoded, err := DecodeStatus(&runs[0])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RunID != status.RunID || decoded.Distributions.Created != 1 {
		t.Errorf("decoded status = %+v", decoded)
	}

	again, err := newExecutor(t, mirror, st, nil, false).Run(ctx, pl, nil)
	if err != nil {
		t.Fatal(err)
	}
	// only units at or after the watermark are revisited
	if again.Types[0].Skipped != 1 || again.Types[0].Created != 0 {
		t.Errorf("second run types = %+v", again.Types[0])
	}
	if again.Repositories.Unchanged != 1 || again.Remotes.Unchanged != 1 || again.Distributions.Unchanged != 1 {
		t.Errorf("second run should change nothing: repos %+v remotes %+v dists %+v",
			again.Repositories, again.Remotes, again.Distributions)
	}
	if len(st.Content()) != 3 || st.Publications() != 1 {
		t.Errorf("second run wrote objects: %d content, %d publications", len(st.Content()), st.Publications())
	}
}

func TestMissingDependencyFailsOnlyThatRepository(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("A", "A", 1))
	mirror.AddRepository(model.LegacyRepository{RepoID: "good", Plugin: iso.RepositoryType},
		model.VersionSnapshot{Number: 1, Members: members("A")})
	mirror.AddRepository(model.LegacyRepository{RepoID: "orphan", Plugin: iso.RepositoryType},
		model.VersionSnapshot{Number: 1, Members: members("A", "gone")})
	mirror.AddDistributor(model.LegacyDistributor{ID: "d", RepoID: "orphan", TypeID: "iso_distributor",
		Config: map[string]any{"relative_url": "orphan"}})
	st := store.NewMemoryStore()

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateComplete || status.Outcome != OutcomePartialFailure {
		t.Errorf("state %s outcome %s", status.State, status.Outcome)
	}
	if status.Repositories.Created != 1 || status.Repositories.Failed != 1 {
		t.Errorf("repositories = %+v", status.Repositories)
	}
	if status.Distributions.Skipped != 1 {
		t.Errorf("distributors of a failed repository should be skipped: %+v", status.Distributions)
	}
	if len(status.Failures) != 1 {
		t.Fatalf("failures = %+v", status.Failures)
	}
	f := status.Failures[0]
	if f.Kind != apperrors.KindDependencyNotMigrated || f.RepoID != "orphan" {
		t.Errorf("failure = %+v", f)
	}
}

func TestUnsupportedMembersAreExcluded(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("A", "A", 1))
	mirror.AddRepository(model.LegacyRepository{RepoID: "mixed", Plugin: iso.RepositoryType},
		model.VersionSnapshot{Number: 1, Members: append(members("A"),
			model.MemberRef{LegacyID: "pm", TypeID: "puppet_module"})})
	st := store.NewMemoryStore()

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status.Outcome != OutcomeSuccess || status.Repositories.Created != 1 {
		t.Errorf("outcome %s repositories %+v failures %+v", status.Outcome, status.Repositories, status.Failures)
	}
	if status.ExcludedMembers != 1 {
		t.Errorf("excluded members = %d", status.ExcludedMembers)
	}
}

func TestConsistencyErrorFailsRun(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("u1", "A", 1))
	st := store.NewMemoryStore()
	key := model.NaturalKey{"A.iso", "sum-A", "1"}
	st.SeedContent(
		model.DestinationContent{Type: "file.file", NaturalKey: key},
		model.DestinationContent{Type: "file.file", NaturalKey: key},
	)

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n"), nil)
	if !errors.Is(err, apperrors.ErrConsistency) {
		t.Fatalf("expected consistency error, got %v", err)
	}
	if status.State != StateFailed || status.Outcome != OutcomeFailed {
		t.Errorf("state %s outcome %s", status.State, status.Outcome)
	}
	if len(status.Failures) == 0 || status.Failures[0].LegacyID != "u1" || status.Failures[0].TypeID != "iso" {
		t.Errorf("failure should name the unit: %+v", status.Failures)
	}
	if st.Runs()[0].State != string(StateFailed) {
		t.Error("failed state should be persisted")
	}
}

func TestTransientReadErrorIsRetried(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	for i := range 5 {
		mirror.AddContent(isoUnit(fmt.Sprintf("u%d", i), fmt.Sprintf("k%d", i), int64(i+1)))
	}
	mirror.ContentErr = apperrors.Transient(errors.New("connection reset"))
	mirror.ContentErrType = "iso"
	mirror.ContentErrAfter = 2
	mirror.ContentErrTimes = 2
	st := store.NewMemoryStore()

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n    repositories: false\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status.Retries < 2 {
		t.Errorf("expected retries to be counted, got %d", status.Retries)
	}
	if ts := status.Types[0]; ts.Created != 5 || ts.Failed != 0 {
		t.Errorf("type status = %+v", ts)
	}
	if len(st.Content()) != 5 {
		t.Errorf("expected 5 content objects, got %d", len(st.Content()))
	}
}

func TestItemFailureKeepsWatermark(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	bad := isoUnit("bad", "X", 2)
	delete(bad.Fields, "checksum")
	mirror.AddContent(isoUnit("u1", "A", 1), bad, isoUnit("u3", "C", 3))
	st := store.NewMemoryStore()

	status, err := newExecutor(t, mirror, st, nil, false).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n    repositories: false\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if ts := status.Types[0]; ts.Created != 2 || ts.Failed != 1 {
		t.Errorf("type status = %+v", ts)
	}
	if status.Outcome != OutcomePartialFailure || status.FailureCount != 1 {
		t.Errorf("outcome %s with %d failures", status.Outcome, status.FailureCount)
	}
	if _, ok, _ := st.Watermark(context.Background(), "iso"); ok {
		t.Error("a type with failures must not advance its watermark")
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	mirror := legacy.NewMemoryMirror()
	mirror.AddContent(isoUnit("A", "A", 1), isoUnit("B", "B", 2))
	mirror.AddRepository(model.LegacyRepository{RepoID: "R", Plugin: iso.RepositoryType},
		model.VersionSnapshot{Number: 1, Members: members("A", "B")})
	mirror.AddDistributor(model.LegacyDistributor{ID: "d", RepoID: "R", TypeID: "iso_distributor"})
	st := store.NewMemoryStore()

	status, err := newExecutor(t, mirror, st, nil, true).Run(context.Background(), isoPlan(t, "plugins:\n  - type: iso\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateComplete || !status.DryRun {
		t.Errorf("state %s dry_run %v", status.State, status.DryRun)
	}
	if status.Types[0].Total != 2 || status.Repositories.Total != 1 || status.Distributions.Total != 1 {
		t.Errorf("preview counts: types %+v repos %+v dists %+v", status.Types, status.Repositories, status.Distributions)
	}
	if len(st.Records()) != 0 || len(st.Content()) != 0 || len(st.Runs()) != 0 {
		t.Error("a dry run must not write")
	}
}

func TestInvalidPlanFails(t *testing.T) {
	st := store.NewMemoryStore()
	status, err := newExecutor(t, legacy.NewMemoryMirror(), st, nil, false).Run(context.Background(),
		&plan.Plan{Name: "bad", Plugins: []plan.Entry{{Type: "puppet"}}}, nil)
	if !errors.Is(err, apperrors.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	if status.State != StateFailed {
		t.Errorf("state = %s", status.State)
	}
}
