package legacy

import (
	"context"
	"iter"

	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/registry"
)

// DefaultBatchSize is the number of documents fetched per cursor round trip.
const DefaultBatchSize = 1000

// Mirror is a read-only view over the legacy store. Every Iter call starts a
// fresh sequence against the store as it is at call time; sequences are
// paginated and never buffer a whole collection.
type Mirror interface {
	// IterContent yields content units of one type with a last-updated
	// timestamp at or after since, ordered by (last updated, legacy id).
	IterContent(ctx context.Context, typeID string, since int64) iter.Seq2[model.LegacyContentDescriptor, error]
	// CountContent counts the units IterContent would yield from the start.
	CountContent(ctx context.Context, typeID string) (int64, error)
	// IterRepositories yields repositories of the given legacy repository
	// type. A non-empty ids restricts the result to those repository ids.
	IterRepositories(ctx context.Context, repoType string, ids []string) iter.Seq2[model.LegacyRepository, error]
	// IterRepositoryVersions yields version snapshots in ascending number order.
	IterRepositoryVersions(ctx context.Context, repoID string) iter.Seq2[model.VersionSnapshot, error]
	IterImporters(ctx context.Context, repoID string) iter.Seq2[model.LegacyImporter, error]
	IterDistributors(ctx context.Context, repoID string) iter.Seq2[model.LegacyDistributor, error]
	// Inventory lists the content types present in the legacy store.
	Inventory(ctx context.Context) ([]TypeCount, error)
	Close(ctx context.Context) error
}

// SchemaResolver looks up the legacy layout of a content type.
type SchemaResolver interface {
	LegacySchema(typeID string) (registry.LegacySchema, error)
}

// TypeCount is one entry of the legacy inventory.
type TypeCount struct {
	TypeID     string `json:"type_id" yaml:"type_id"`
	Collection string `json:"collection" yaml:"collection"`
	Count      int64  `json:"count" yaml:"count"`
}

// Collect drains a sequence into a slice. Intended for small sequences
// such as importers and distributors of one repository.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
