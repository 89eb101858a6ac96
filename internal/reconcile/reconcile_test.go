package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/store"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Register(registry.ContentType{
		ID:          "iso",
		Legacy:      registry.LegacySchema{Fields: []string{"name", "checksum"}},
		Destination: registry.DestinationSchema{Type: "file.file", NaturalKeyFields: []string{"name", "checksum"}},
		NaturalKey: func(d model.LegacyContentDescriptor) (model.NaturalKey, error) {
			return model.KeyFromFields(d, "name", "checksum")
		},
		Transform: func(d model.LegacyContentDescriptor) (model.DestinationContent, error) {
			return model.DestinationContent{
				Fields:       map[string]any{"relative_path": d.Fields["name"], "digest": d.Fields["checksum"]},
				ArtifactPath: d.StoragePath,
			}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func iso(id, name, checksum string) model.LegacyContentDescriptor {
	return model.LegacyContentDescriptor{
		LegacyID:   id,
		TypeID:     "iso",
		Fields:     map[string]any{"name": name, "checksum": checksum},
		Downloaded: true,
	}
}

func newReconciler(t *testing.T) (*Reconciler, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return New(st, testRegistry(t), nil), st
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	d := iso("u1", "disk.iso", "aa")

	first, err := r.Reconcile(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Created() {
		t.Errorf("expected first call to create, got %s", first.Outcome)
	}

	second, err := r.Reconcile(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != Skipped {
		t.Errorf("expected skipped, got %s", second.Outcome)
	}
	if first.DestinationID != second.DestinationID {
		t.Errorf("destination changed between calls: %s vs %s", first.DestinationID, second.DestinationID)
	}
	if n := len(st.Content()); n != 1 {
		t.Errorf("expected 1 destination object, got %d", n)
	}
}

func TestReconcileEqualNaturalKeysCollapse(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()

	a1, _ := r.Reconcile(ctx, iso("u1", "a.iso", "aa"))
	b, _ := r.Reconcile(ctx, iso("u2", "b.iso", "bb"))
	a2, err := r.Reconcile(ctx, iso("u3", "a.iso", "aa"))
	if err != nil {
		t.Fatal(err)
	}

	if a1.DestinationID != a2.DestinationID {
		t.Error("equal natural keys should share a destination object")
	}
	if a2.Outcome != Linked {
		t.Errorf("expected the second A to link, got %s", a2.Outcome)
	}
	if a1.DestinationID == b.DestinationID {
		t.Error("different natural keys must not share a destination object")
	}
	if n := len(st.Content()); n != 2 {
		t.Errorf("expected 2 destination objects, got %d", n)
	}
	if n := len(st.Records()); n != 3 {
		t.Errorf("expected 3 migration records, got %d", n)
	}
}

func TestReconcileLinksDirectlyIngestedContent(t *testing.T) {
	r, st := newReconciler(t)
	existing := model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"disk.iso", "aa"}}
	st.SeedContent(existing)

	res, err := r.Reconcile(context.Background(), iso("u1", "disk.iso", "aa"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Linked || res.DestinationID != existing.ID {
		t.Errorf("expected link to %s, got %+v", existing.ID, res)
	}
	rec, _ := st.GetMigrationRecord(context.Background(), "u1")
	if !rec.Processed || *rec.DestinationID != existing.ID {
		t.Errorf("record = %+v", rec)
	}
}

func TestReconcileMultipleMatchesIsConsistencyError(t *testing.T) {
	r, st := newReconciler(t)
	key := model.NaturalKey{"disk.iso", "aa"}
	st.SeedContent(
		model.DestinationContent{Type: "file.file", NaturalKey: key},
		model.DestinationContent{Type: "file.file", NaturalKey: key},
	)

	_, err := r.Reconcile(context.Background(), iso("u1", "disk.iso", "aa"))
	if !errors.Is(err, apperrors.ErrConsistency) {
		t.Fatalf("expected consistency error, got %v", err)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.LegacyID != "u1" || appErr.TypeID != "iso" {
		t.Errorf("error should carry item keys: %v", err)
	}
	if len(st.Records()) != 0 {
		t.Error("no record should be written on consistency failure")
	}
}

func TestReconcileDoubleClaimIsConsistencyError(t *testing.T) {
	r, st := newReconciler(t)
	claimed := model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"other.iso", "zz"}}
	match := model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"disk.iso", "aa"}}
	st.SeedContent(claimed, match)
	st.SeedRecord(model.MigrationRecord{LegacyID: "u1", TypeID: "iso", DestinationID: &claimed.ID})

	_, err := r.Reconcile(context.Background(), iso("u1", "disk.iso", "aa"))
	if !errors.Is(err, apperrors.ErrConsistency) {
		t.Errorf("expected consistency error, got %v", err)
	}
}

func TestReconcileTypeMismatchIsConsistencyError(t *testing.T) {
	r, st := newReconciler(t)
	id := uuid.New()
	st.SeedRecord(model.MigrationRecord{LegacyID: "u1", TypeID: "rpm", DestinationID: &id, Processed: true})

	_, err := r.Reconcile(context.Background(), iso("u1", "disk.iso", "aa"))
	if !errors.Is(err, apperrors.ErrConsistency) {
		t.Errorf("expected consistency error, got %v", err)
	}
}

func TestReconcilePendingRecordIsCompleted(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()
	d := iso("u1", "disk.iso", "aa")
	if _, err := st.RegisterPending(ctx, []model.MigrationRecord{model.PendingRecord(d)}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Reconcile(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created() {
		t.Errorf("expected created, got %s", res.Outcome)
	}
	if n := len(st.Records()); n != 1 {
		t.Errorf("pending record should be updated in place, got %d records", n)
	}
}

func TestReconcileUnknownType(t *testing.T) {
	r, _ := newReconciler(t)
	_, err := r.Reconcile(context.Background(), model.LegacyContentDescriptor{LegacyID: "x", TypeID: "puppet_module"})
	if !errors.Is(err, apperrors.ErrUnknownType) {
		t.Errorf("expected unknown type, got %v", err)
	}
}

func TestReconcileMissingKeyField(t *testing.T) {
	r, st := newReconciler(t)
	d := model.LegacyContentDescriptor{LegacyID: "u1", TypeID: "iso", Fields: map[string]any{"name": "disk.iso"}}
	_, err := r.Reconcile(context.Background(), d)
	if err == nil {
		t.Fatal("expected an error for a missing natural key field")
	}
	if apperrors.KindOf(err) != apperrors.KindInternal {
		t.Errorf("kind = %s", apperrors.KindOf(err))
	}
	if len(st.Content()) != 0 {
		t.Error("nothing should be created")
	}
}

func TestReconcileIsAtomic(t *testing.T) {
	r, st := newReconciler(t)
	st.InsertErr = apperrors.Transient(errors.New("connection reset"))
	st.InsertErrTimes = 1
	ctx := context.Background()
	d := iso("u1", "disk.iso", "aa")

	_, err := r.Reconcile(ctx, d)
	if !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(st.Records()) != 0 || len(st.Content()) != 0 {
		t.Error("a failed reconcile must leave neither record nor content")
	}

	res, err := r.Reconcile(ctx, d)
	if err != nil || !res.Created() {
		t.Errorf("retry should create: %+v, %v", res, err)
	}
}

func TestReconcileIgnoresCancellationMidUnit(t *testing.T) {
	r, st := newReconciler(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Reconcile(ctx, iso("u1", "disk.iso", "aa"))
	if err != nil {
		t.Fatalf("a started unit should complete, got %v", err)
	}
	if !res.Created() || len(st.Content()) != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestReconcileConcurrentEqualKeys(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Reconcile(ctx, iso(fmt.Sprintf("u%d", i), "disk.iso", "aa"))
			ids[i], errs[i] = res.DestinationID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	if n := len(st.Content()); n != 1 {
		t.Errorf("expected 1 destination object, got %d", n)
	}
}

func TestResolve(t *testing.T) {
	r, st := newReconciler(t)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "u1"); !errors.Is(err, apperrors.ErrDependencyNotMigrated) {
		t.Errorf("expected dependency error for unknown unit, got %v", err)
	}

	_, _ = st.RegisterPending(ctx, []model.MigrationRecord{{LegacyID: "u1", TypeID: "iso"}})
	if _, err := r.Resolve(ctx, "u1"); !errors.Is(err, apperrors.ErrDependencyNotMigrated) {
		t.Errorf("expected dependency error for pending unit, got %v", err)
	}

	res, _ := r.Reconcile(ctx, iso("u1", "disk.iso", "aa"))
	got, err := r.Resolve(ctx, "u1")
	if err != nil || got != res.DestinationID {
		t.Errorf("Resolve = %s, %v; want %s", got, err, res.DestinationID)
	}
}
