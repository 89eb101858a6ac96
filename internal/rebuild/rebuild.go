// Package rebuild reconstructs repositories, their version history, remotes
// and distributions in the destination from legacy association records.
package rebuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/registry"
	"github.com/reloquent/carryover/internal/store"
)

const (
	maxRepoNameLen    = 255
	truncatedNameKeep = 190
)

// Resolver maps a legacy content id to its destination id. Unmigrated
// content fails with DependencyNotMigratedError.
type Resolver interface {
	Resolve(ctx context.Context, legacyID string) (uuid.UUID, error)
}

// PluginSource finds the plugin responsible for a legacy repository type
// and the content type behind a member's type id.
type PluginSource interface {
	PluginForRepositoryType(repoType string) (registry.Plugin, error)
	Resolve(typeID string) (registry.ContentType, error)
}

// Action is what happened to one rebuilt object.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
)

// Rebuilder owns the RepositoryMapping and DistributionMapping linkage.
type Rebuilder struct {
	mirror   legacy.Mirror
	store    store.Store
	resolver Resolver
	plugins  PluginSource
	logger   *slog.Logger

	// OnExcluded, if set, receives the members of a rebuilt snapshot whose
	// content type no plugin registers. They are left out of the version.
	OnExcluded func(legacyRepoID string, members []model.MemberRef)
}

// New creates a Rebuilder.
func New(mirror legacy.Mirror, st store.Store, resolver Resolver, plugins PluginSource, logger *slog.Logger) *Rebuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{mirror: mirror, store: st, resolver: resolver, plugins: plugins, logger: logger}
}

// DestinationRepoName returns the destination repository name for a legacy
// repository id. Ids too long for the destination are truncated and suffixed
// with their SHA-256 so distinct ids stay distinct.
func DestinationRepoName(legacyRepoID string) string {
	if len(legacyRepoID) <= maxRepoNameLen {
		return legacyRepoID
	}
	sum := sha256.Sum256([]byte(legacyRepoID))
	return legacyRepoID[:truncatedNameKeep] + "-" + hex.EncodeToString(sum[:])
}

// RebuildRepository creates (or reuses) the destination repository for repo
// and replays its legacy version snapshots in ascending order. Snapshots that
// were already mapped by an earlier run are skipped. A snapshot with
// unmigrated members fails with DependencyNotMigratedError and creates
// nothing for that snapshot.
func (b *Rebuilder) RebuildRepository(ctx context.Context, repo model.LegacyRepository) (*model.RepositoryMapping, error) {
	plugin, err := b.plugins.PluginForRepositoryType(repo.Plugin)
	if err != nil {
		return nil, err
	}

	mapping, created, err := b.store.EnsureRepository(ctx, repo.RepoID, model.Repository{
		Name:        DestinationRepoName(repo.RepoID),
		Plugin:      plugin.Name,
		Description: repo.Description,
	})
	if err != nil {
		return nil, err
	}
	if created {
		b.logger.Info("created repository", "repo", repo.RepoID, "name", mapping.DestinationRepoName)
	}

	latestMapped, hasMapped := mapping.Latest()
	prev := int64(-1)
	first := true
	for snap, err := range b.mirror.IterRepositoryVersions(ctx, repo.RepoID) {
		if err != nil {
			return mapping, fmt.Errorf("reading versions of %s: %w", repo.RepoID, err)
		}
		if err := ctx.Err(); err != nil {
			return mapping, err
		}
		if !first && snap.Number <= prev {
			return mapping, &apperrors.Error{Kind: apperrors.KindConsistency, RepoID: repo.RepoID,
				Msg: fmt.Sprintf("legacy version %d follows %d", snap.Number, prev)}
		}
		first = false
		prev = snap.Number

		if isMapped(mapping, snap.Number) {
			continue
		}
		if hasMapped && snap.Number < latestMapped.LegacyNumber {
			return mapping, &apperrors.Error{Kind: apperrors.KindConsistency, RepoID: repo.RepoID,
				Msg: fmt.Sprintf("legacy version %d precedes already migrated version %d", snap.Number, latestMapped.LegacyNumber)}
		}

		vm, err := b.rebuildVersion(ctx, repo.RepoID, mapping.DestinationRepoID, snap)
		if err != nil {
			return mapping, err
		}
		mapping.Versions = append(mapping.Versions, vm)
		latestMapped, hasMapped = vm, true
	}
	return mapping, nil
}

func isMapped(m *model.RepositoryMapping, legacyNumber int64) bool {
	for _, v := range m.Versions {
		if v.LegacyNumber == legacyNumber {
			return true
		}
	}
	return false
}

func (b *Rebuilder) rebuildVersion(ctx context.Context, legacyRepoID string, repoID uuid.UUID, snap model.VersionSnapshot) (model.VersionMapping, error) {
	ids := make([]uuid.UUID, 0, len(snap.Members))
	var (
		missing  []string
		excluded []model.MemberRef
	)
	for _, m := range snap.Members {
		if _, err := b.plugins.Resolve(m.TypeID); errors.Is(err, apperrors.ErrUnknownType) {
			excluded = append(excluded, m)
			continue
		}
		id, err := b.resolver.Resolve(ctx, m.LegacyID)
		if errors.Is(err, apperrors.ErrDependencyNotMigrated) {
			missing = append(missing, m.LegacyID)
			continue
		}
		if err != nil {
			return model.VersionMapping{}, fmt.Errorf("resolving %s member %s: %w", legacyRepoID, m.LegacyID, err)
		}
		ids = append(ids, id)
	}
	if len(missing) > 0 {
		return model.VersionMapping{}, apperrors.DependencyNotMigrated(legacyRepoID, missing)
	}
	if len(excluded) > 0 {
		b.logger.Warn("excluding members of unsupported types", "repo", legacyRepoID,
			"legacy_version", snap.Number, "count", len(excluded), "types", memberTypes(excluded))
		if b.OnExcluded != nil {
			b.OnExcluded(legacyRepoID, excluded)
		}
	}
	ids = sortedUnique(ids)

	latest, err := b.store.LatestRepositoryVersion(ctx, repoID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return model.VersionMapping{}, err
	}
	if err == nil && slices.Equal(sortedUnique(latest.ContentIDs), ids) {
		vm, err := b.store.MapRepositoryVersion(ctx, legacyRepoID, snap.Number, *latest)
		if err != nil {
			return model.VersionMapping{}, err
		}
		b.logger.Info("mapped version to unchanged latest", "repo", legacyRepoID,
			"legacy_version", snap.Number, "version", vm.DestinationNumber)
		return vm, nil
	}

	vm, err := b.store.AppendRepositoryVersion(ctx, legacyRepoID, snap.Number, repoID, ids)
	if err != nil {
		return model.VersionMapping{}, err
	}
	b.logger.Info("created repository version", "repo", legacyRepoID,
		"legacy_version", snap.Number, "version", vm.DestinationNumber, "content", len(ids))
	return vm, nil
}

func memberTypes(members []model.MemberRef) []string {
	var types []string
	for _, m := range members {
		if !slices.Contains(types, m.TypeID) {
			types = append(types, m.TypeID)
		}
	}
	slices.Sort(types)
	return types
}

func sortedUnique(ids []uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b uuid.UUID) int { return slices.Compare(a[:], b[:]) })
	return slices.Compact(out)
}

// ImporterResult reports one migrated importer.
type ImporterResult struct {
	LegacyImporterID string
	RemoteID         uuid.UUID
	Action           Action
}

// MigrateImporters converts the repository's importers into remotes. A
// remote is only rewritten when the importer changed since the last run. If
// the repository has already been migrated, the remote is attached to it.
func (b *Rebuilder) MigrateImporters(ctx context.Context, repo model.LegacyRepository) ([]ImporterResult, error) {
	plugin, err := b.plugins.PluginForRepositoryType(repo.Plugin)
	if err != nil {
		return nil, err
	}
	mapping, err := b.store.GetRepositoryMapping(ctx, repo.RepoID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	var results []ImporterResult
	for imp, err := range b.mirror.IterImporters(ctx, repo.RepoID) {
		if err != nil {
			return results, fmt.Errorf("reading importers of %s: %w", repo.RepoID, err)
		}
		res, err := b.migrateImporter(ctx, plugin, imp, mapping)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Rebuilder) migrateImporter(ctx context.Context, plugin registry.Plugin, imp model.LegacyImporter, mapping *model.RepositoryMapping) (ImporterResult, error) {
	res := ImporterResult{LegacyImporterID: imp.Key()}
	convert, ok := plugin.Importers[imp.TypeID]
	if !ok {
		return res, &apperrors.Error{Kind: apperrors.KindUnknownType, TypeID: imp.TypeID, RepoID: imp.RepoID,
			Msg: "no importer converter registered"}
	}

	existing, err := b.store.GetImporterMapping(ctx, imp.Key())
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return res, err
	}

	if existing != nil && existing.LegacyLastUpdated.Equal(imp.LastUpdated) {
		res.RemoteID, res.Action = existing.RemoteID, ActionUnchanged
	} else {
		remote, err := convert(imp)
		if err != nil {
			return res, fmt.Errorf("converting importer %s: %w", imp.Key(), err)
		}
		if remote == nil {
			res.Action = ActionSkipped
			b.logger.Info("skipped importer without feed", "repo", imp.RepoID, "importer", imp.ID)
			return res, nil
		}
		res.Action = ActionCreated
		remote.ID = uuid.New()
		if existing != nil {
			remote.ID = existing.RemoteID
			res.Action = ActionUpdated
		}
		err = b.store.SaveRemote(ctx, remote, model.ImporterMapping{
			LegacyImporterID:  imp.Key(),
			LegacyRepoID:      imp.RepoID,
			RemoteID:          remote.ID,
			LegacyLastUpdated: imp.LastUpdated,
		})
		if err != nil {
			return res, err
		}
		res.RemoteID = remote.ID
		b.logger.Info("migrated importer", "repo", imp.RepoID, "importer", imp.ID,
			"remote", remote.Name, "action", res.Action)
	}

	if mapping != nil {
		if err := b.store.SetRepositoryRemote(ctx, mapping.DestinationRepoID, res.RemoteID); err != nil {
			return res, err
		}
	}
	return res, nil
}

// DistributionResult reports one rebuilt distributor.
type DistributionResult struct {
	Mapping model.DistributionMapping
	Action  Action
}

// RebuildDistributions binds every legacy distributor of repo to the latest
// migrated version of its destination repository. A distributor already
// bound to that version is left alone; otherwise a new publication is
// created (for plugins that publish) and the distribution re-pointed.
func (b *Rebuilder) RebuildDistributions(ctx context.Context, repo model.LegacyRepository) ([]DistributionResult, error) {
	plugin, err := b.plugins.PluginForRepositoryType(repo.Plugin)
	if err != nil {
		return nil, err
	}
	mapping, err := b.store.GetRepositoryMapping(ctx, repo.RepoID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.RepositoryNotMigrated(repo.RepoID)
	}
	if err != nil {
		return nil, err
	}
	latest, ok := mapping.Latest()
	if !ok {
		return nil, apperrors.RepositoryNotMigrated(repo.RepoID)
	}

	var results []DistributionResult
	for d, err := range b.mirror.IterDistributors(ctx, repo.RepoID) {
		if err != nil {
			return results, fmt.Errorf("reading distributors of %s: %w", repo.RepoID, err)
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := b.rebuildDistribution(ctx, plugin, d, mapping, latest)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Rebuilder) rebuildDistribution(ctx context.Context, plugin registry.Plugin, d model.LegacyDistributor, mapping *model.RepositoryMapping, latest model.VersionMapping) (DistributionResult, error) {
	convert, ok := plugin.Distributors[d.TypeID]
	if !ok {
		return DistributionResult{}, &apperrors.Error{Kind: apperrors.KindUnknownType, TypeID: d.TypeID, RepoID: d.RepoID,
			Msg: "no distributor converter registered"}
	}

	existing, err := b.store.GetDistributionMapping(ctx, d.Key())
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return DistributionResult{}, err
	}
	if existing != nil && existing.RepositoryVersionID == latest.DestinationVersionID {
		return DistributionResult{Mapping: *existing, Action: ActionUnchanged}, nil
	}

	pub, dist, err := convert(d, registry.DistributionTarget{
		RepositoryName:      mapping.DestinationRepoName,
		RepositoryVersionID: latest.DestinationVersionID,
	})
	if err != nil {
		return DistributionResult{}, fmt.Errorf("converting distributor %s: %w", d.Key(), err)
	}

	action := ActionCreated
	dist.ID = uuid.New()
	if existing != nil {
		dist.ID = existing.DistributionID
		action = ActionUpdated
	}
	dm := model.DistributionMapping{
		LegacyDistributorID: d.Key(),
		LegacyRepoID:        d.RepoID,
		DestinationRepoID:   mapping.DestinationRepoID,
		RepositoryVersionID: latest.DestinationVersionID,
		DistributionID:      dist.ID,
	}
	if pub != nil {
		pub.ID = uuid.New()
		pub.RepositoryVersionID = latest.DestinationVersionID
		dist.PublicationID = &pub.ID
		dist.RepositoryVersionID = nil
		dm.PublicationID = &pub.ID
	}

	if err := b.store.SaveDistribution(ctx, pub, dist, dm); err != nil {
		return DistributionResult{}, err
	}
	b.logger.Info("rebuilt distribution", "repo", d.RepoID, "distributor", d.ID,
		"base_path", dist.BasePath, "version", latest.DestinationNumber, "action", action)
	return DistributionResult{Mapping: dm, Action: action}, nil
}
