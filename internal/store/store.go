// Package store persists migration bookkeeping (records, mappings, runs)
// and the destination objects the engine creates.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/model"
)

// Store is the engine's persistence contract. Methods that find nothing
// return an error wrapping apperrors.ErrNotFound.
type Store interface {
	// InTx runs fn in a single transaction. Either everything fn wrote is
	// committed or nothing is.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetMigrationRecord(ctx context.Context, legacyID string) (*model.MigrationRecord, error)
	// RegisterPending inserts unprocessed records for units not seen before
	// and returns how many were new.
	RegisterPending(ctx context.Context, recs []model.MigrationRecord) (int64, error)
	CountRecords(ctx context.Context, typeID string) (RecordCounts, error)
	// ResetPending deletes unprocessed records of the given types.
	ResetPending(ctx context.Context, typeIDs []string) (int64, error)

	GetContent(ctx context.Context, id uuid.UUID) (*model.DestinationContent, error)
	CountContent(ctx context.Context, contentType string) (int64, error)

	Watermark(ctx context.Context, typeID string) (int64, bool, error)
	SetWatermark(ctx context.Context, typeID string, lastUpdated int64) error
	ClearWatermarks(ctx context.Context, typeIDs []string) error

	GetRepositoryMapping(ctx context.Context, legacyRepoID string) (*model.RepositoryMapping, error)
	ListRepositoryMappings(ctx context.Context) ([]model.RepositoryMapping, error)
	// EnsureRepository returns the mapping for legacyRepoID, creating the
	// destination repository (or linking one with the same name) if needed.
	EnsureRepository(ctx context.Context, legacyRepoID string, repo model.Repository) (*model.RepositoryMapping, bool, error)
	GetRepository(ctx context.Context, id uuid.UUID) (*model.Repository, error)
	SetRepositoryRemote(ctx context.Context, repoID, remoteID uuid.UUID) error
	// LatestRepositoryVersion fails with ErrNotFound for a repository without
	// versions. Version numbers start at 1.
	LatestRepositoryVersion(ctx context.Context, repoID uuid.UUID) (*model.RepositoryVersion, error)
	GetRepositoryVersion(ctx context.Context, id uuid.UUID) (*model.RepositoryVersion, error)
	// AppendRepositoryVersion creates the next version of repoID with exactly
	// contentIDs and maps legacy version legacyNumber to it.
	AppendRepositoryVersion(ctx context.Context, legacyRepoID string, legacyNumber int64, repoID uuid.UUID, contentIDs []uuid.UUID) (model.VersionMapping, error)
	// MapRepositoryVersion maps a legacy version onto an existing version.
	MapRepositoryVersion(ctx context.Context, legacyRepoID string, legacyNumber int64, version model.RepositoryVersion) (model.VersionMapping, error)

	GetImporterMapping(ctx context.Context, legacyImporterID string) (*model.ImporterMapping, error)
	GetRemote(ctx context.Context, id uuid.UUID) (*model.Remote, error)
	// SaveRemote inserts or updates remote and records the importer mapping.
	SaveRemote(ctx context.Context, remote *model.Remote, mapping model.ImporterMapping) error

	GetDistributionMapping(ctx context.Context, legacyDistributorID string) (*model.DistributionMapping, error)
	GetDistribution(ctx context.Context, id uuid.UUID) (*model.Distribution, error)
	// SaveDistribution inserts pub (if non-nil), inserts or updates dist and
	// records the mapping, atomically.
	SaveDistribution(ctx context.Context, pub *model.Publication, dist *model.Distribution, mapping model.DistributionMapping) error

	SaveRun(ctx context.Context, run RunRecord) error
	LatestRun(ctx context.Context, plan string) (*RunRecord, error)

	Close()
}

// Tx is the transactional view used by the identity reconciler.
type Tx interface {
	// LockRecord returns the record for legacyID and holds it until the
	// transaction ends. Concurrent transactions on the same legacyID wait,
	// whether or not the record exists yet.
	LockRecord(ctx context.Context, legacyID string) (*model.MigrationRecord, error)
	FindContentByKey(ctx context.Context, contentType string, key model.NaturalKey) ([]model.DestinationContent, error)
	ContentExists(ctx context.Context, id uuid.UUID) (bool, error)
	InsertContent(ctx context.Context, c *model.DestinationContent) error
	SaveRecord(ctx context.Context, rec *model.MigrationRecord) error
}

// RecordCounts summarizes the migration records of one type.
type RecordCounts struct {
	Total        int64 `json:"total"`
	Processed    int64 `json:"processed"`
	Destinations int64 `json:"destinations"`
}

// Pending is the number of records still waiting for reconciliation.
func (c RecordCounts) Pending() int64 {
	return c.Total - c.Processed
}

// RunRecord is the persisted status of one run.
type RunRecord struct {
	ID         uuid.UUID  `json:"id"`
	Plan       string     `json:"plan"`
	State      string     `json:"state"`
	Status     []byte     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
