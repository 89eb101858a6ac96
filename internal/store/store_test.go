package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

func TestMemoryTxRollsBackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		c := &model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"a"}}
		if err := tx.InsertContent(ctx, c); err != nil {
			return err
		}
		id := c.ID
		if err := tx.SaveRecord(ctx, &model.MigrationRecord{LegacyID: "u1", TypeID: "iso", DestinationID: &id, Processed: true}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(s.Content()) != 0 || len(s.Records()) != 0 {
		t.Errorf("failed transaction should leave no writes: %d content, %d records", len(s.Content()), len(s.Records()))
	}
}

func TestMemoryTxSeesOwnWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := model.NaturalKey{"disk.iso", "abc", "42"}

	err := s.InTx(ctx, func(tx Tx) error {
		c := &model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: key}
		if err := tx.InsertContent(ctx, c); err != nil {
			return err
		}
		found, err := tx.FindContentByKey(ctx, "file.file", key)
		if err != nil {
			return err
		}
		if len(found) != 1 {
			return fmt.Errorf("expected staged content to be visible, found %d", len(found))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Content()) != 1 {
		t.Errorf("expected 1 committed content, got %d", len(s.Content()))
	}
}

func TestMemoryDuplicateKeyIsTransient(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SeedContent(model.DestinationContent{Type: "file.file", NaturalKey: model.NaturalKey{"a"}})

	err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertContent(ctx, &model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"a"}})
	})
	if !apperrors.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestMemoryRegisterPendingKeepsExisting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	s.SeedRecord(model.MigrationRecord{LegacyID: "u1", TypeID: "iso", DestinationID: &id, Processed: true})

	n, err := s.RegisterPending(ctx, []model.MigrationRecord{
		{LegacyID: "u1", TypeID: "iso"},
		{LegacyID: "u2", TypeID: "iso"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 new record, got %d", n)
	}
	rec, _ := s.GetMigrationRecord(ctx, "u1")
	if !rec.Processed {
		t.Error("registering must not reset a processed record")
	}

	counts, _ := s.CountRecords(ctx, "iso")
	if counts.Total != 2 || counts.Processed != 1 || counts.Pending() != 1 || counts.Destinations != 1 {
		t.Errorf("counts = %+v", counts)
	}

	removed, _ := s.ResetPending(ctx, []string{"iso"})
	if removed != 1 {
		t.Errorf("expected 1 pending record removed, got %d", removed)
	}
}

func TestMemoryRepositoryVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c1 := model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"1"}}
	c2 := model.DestinationContent{ID: uuid.New(), Type: "file.file", NaturalKey: model.NaturalKey{"2"}}
	s.SeedContent(c1, c2)

	m, created, err := s.EnsureRepository(ctx, "r1", model.Repository{Name: "r1", Plugin: "file"})
	if err != nil || !created {
		t.Fatalf("EnsureRepository: created=%v err=%v", created, err)
	}
	if _, err := s.LatestRepositoryVersion(ctx, m.DestinationRepoID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("new repository should have no versions, got %v", err)
	}

	vm, err := s.AppendRepositoryVersion(ctx, "r1", 100, m.DestinationRepoID, []uuid.UUID{c2.ID, c1.ID, c1.ID})
	if err != nil {
		t.Fatal(err)
	}
	if vm.DestinationNumber != 1 {
		t.Errorf("expected version 1, got %d", vm.DestinationNumber)
	}
	latest, _ := s.LatestRepositoryVersion(ctx, m.DestinationRepoID)
	if len(latest.ContentIDs) != 2 {
		t.Errorf("duplicate members should collapse, got %d", len(latest.ContentIDs))
	}

	if _, err := s.AppendRepositoryVersion(ctx, "r1", 100, m.DestinationRepoID, nil); err == nil {
		t.Error("mapping the same legacy version twice should fail")
	}

	again, created, _ := s.EnsureRepository(ctx, "r1", model.Repository{Name: "r1", Plugin: "file"})
	if created || again.DestinationRepoID != m.DestinationRepoID || len(again.Versions) != 1 {
		t.Errorf("second EnsureRepository should return existing mapping: %+v created=%v", again, created)
	}
}

func TestMemoryEnsureRepositoryLinksByName(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, _, _ := s.EnsureRepository(ctx, "a", model.Repository{Name: "shared", Plugin: "file"})
	second, created, err := s.EnsureRepository(ctx, "b", model.Repository{Name: "shared", Plugin: "file"})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("a repository with the same name should be linked, not created")
	}
	if first.DestinationRepoID != second.DestinationRepoID {
		t.Error("expected both legacy repositories to map to the same destination")
	}
}

func TestMemoryDistributionBasePathConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vid := uuid.New()
	d1 := &model.Distribution{ID: uuid.New(), Name: "a", BasePath: "pub/a", RepositoryVersionID: &vid}
	if err := s.SaveDistribution(ctx, nil, d1, model.DistributionMapping{LegacyDistributorID: "r/a"}); err != nil {
		t.Fatal(err)
	}
	d2 := &model.Distribution{ID: uuid.New(), Name: "b", BasePath: "pub/a", RepositoryVersionID: &vid}
	if err := s.SaveDistribution(ctx, nil, d2, model.DistributionMapping{LegacyDistributorID: "r/b"}); err == nil {
		t.Error("expected base path conflict")
	}
	m, err := s.GetDistributionMapping(ctx, "r/a")
	if err != nil || m.DistributionID != d1.ID {
		t.Errorf("mapping = %+v, err %v", m, err)
	}
}

func TestMemoryLatestRun(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.LatestRun(ctx, "p"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	id := uuid.New()
	_ = s.SaveRun(ctx, RunRecord{ID: id, Plan: "p", State: "PENDING"})
	_ = s.SaveRun(ctx, RunRecord{ID: id, Plan: "p", State: "COMPLETE"})
	run, err := s.LatestRun(ctx, "p")
	if err != nil || run.State != "COMPLETE" {
		t.Errorf("run = %+v, err %v", run, err)
	}
	if len(s.Runs()) != 1 {
		t.Errorf("saving the same run twice should update it, got %d runs", len(s.Runs()))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"plain error", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperrors.IsTransient(classify(tt.err)); got != tt.transient {
				t.Errorf("classify(%v) transient = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestMigrationFilesEmbedded(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected up and down migrations, got %d files", len(entries))
	}
}
