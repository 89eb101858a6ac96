package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

// MemoryStore is an in-memory Store for tests and dry runs. Transactions are
// serialized and their writes are staged until fn returns nil.
type MemoryStore struct {
	txMu sync.Mutex // held for the duration of InTx
	mu   sync.Mutex

	records      map[string]model.MigrationRecord
	content      map[uuid.UUID]model.DestinationContent
	contentOrder []uuid.UUID
	watermarks   map[string]int64

	repositories    map[uuid.UUID]model.Repository
	versions        map[uuid.UUID]model.RepositoryVersion
	repoMappings    map[string]*model.RepositoryMapping
	remotes         map[uuid.UUID]model.Remote
	importerMaps    map[string]model.ImporterMapping
	publications    map[uuid.UUID]model.Publication
	distributions   map[uuid.UUID]model.Distribution
	distributorMaps map[string]model.DistributionMapping
	runs            []RunRecord

	// InsertErr, when set, is returned by the next InsertErrTimes content
	// inserts.
	InsertErr      error
	InsertErrTimes int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:         make(map[string]model.MigrationRecord),
		content:         make(map[uuid.UUID]model.DestinationContent),
		watermarks:      make(map[string]int64),
		repositories:    make(map[uuid.UUID]model.Repository),
		versions:        make(map[uuid.UUID]model.RepositoryVersion),
		repoMappings:    make(map[string]*model.RepositoryMapping),
		remotes:         make(map[uuid.UUID]model.Remote),
		importerMaps:    make(map[string]model.ImporterMapping),
		publications:    make(map[uuid.UUID]model.Publication),
		distributions:   make(map[uuid.UUID]model.Distribution),
		distributorMaps: make(map[string]model.DistributionMapping),
	}
}

// SeedContent inserts destination content directly, bypassing the natural
// key check. Used to model content that reached the destination by other
// means, including states the unique index would reject.
func (s *MemoryStore) SeedContent(items ...model.DestinationContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range items {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		s.content[c.ID] = c
		s.contentOrder = append(s.contentOrder, c.ID)
	}
}

// SeedRecord stores a migration record as is.
func (s *MemoryStore) SeedRecord(rec model.MigrationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.LegacyID] = rec
}

// Content returns every destination content object in insertion order.
func (s *MemoryStore) Content() []model.DestinationContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DestinationContent, 0, len(s.contentOrder))
	for _, id := range s.contentOrder {
		out = append(out, s.content[id])
	}
	return out
}

// Records returns every migration record ordered by legacy id.
func (s *MemoryStore) Records() []model.MigrationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.records))
	sort.Slice(out, func(i, j int) bool { return out[i].LegacyID < out[j].LegacyID })
	return out
}

// Runs returns all saved run records in save order, one entry per run id.
func (s *MemoryStore) Runs() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.runs)
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{s: s, records: make(map[string]model.MigrationRecord)}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range tx.content {
		s.content[c.ID] = c
		s.contentOrder = append(s.contentOrder, c.ID)
	}
	maps.Copy(s.records, tx.records)
	return nil
}

type memTx struct {
	s       *MemoryStore
	records map[string]model.MigrationRecord
	content []model.DestinationContent
}

func (t *memTx) LockRecord(_ context.Context, legacyID string) (*model.MigrationRecord, error) {
	if rec, ok := t.records[legacyID]; ok {
		return &rec, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rec, ok := t.s.records[legacyID]
	if !ok {
		return nil, fmt.Errorf("migration record %s: %w", legacyID, apperrors.ErrNotFound)
	}
	return &rec, nil
}

func (t *memTx) FindContentByKey(_ context.Context, contentType string, key model.NaturalKey) ([]model.DestinationContent, error) {
	var out []model.DestinationContent
	for _, c := range t.content {
		if c.Type == contentType && c.NaturalKey.Equal(key) {
			out = append(out, c)
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range t.s.contentOrder {
		c := t.s.content[id]
		if c.Type == contentType && c.NaturalKey.Equal(key) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) ContentExists(_ context.Context, id uuid.UUID) (bool, error) {
	for _, c := range t.content {
		if c.ID == id {
			return true, nil
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.content[id]
	return ok, nil
}

func (t *memTx) InsertContent(ctx context.Context, c *model.DestinationContent) error {
	t.s.mu.Lock()
	if t.s.InsertErr != nil && t.s.InsertErrTimes > 0 {
		t.s.InsertErrTimes--
		err := t.s.InsertErr
		t.s.mu.Unlock()
		return err
	}
	t.s.mu.Unlock()

	existing, _ := t.FindContentByKey(ctx, c.Type, c.NaturalKey)
	if len(existing) > 0 {
		return apperrors.Transient(fmt.Errorf("content %s %s already exists", c.Type, c.NaturalKey))
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.content = append(t.content, *c)
	return nil
}

func (t *memTx) SaveRecord(_ context.Context, rec *model.MigrationRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	t.records[rec.LegacyID] = *rec
	return nil
}

func (s *MemoryStore) GetMigrationRecord(_ context.Context, legacyID string) (*model.MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[legacyID]
	if !ok {
		return nil, fmt.Errorf("migration record %s: %w", legacyID, apperrors.ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) RegisterPending(_ context.Context, recs []model.MigrationRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, r := range recs {
		if _, ok := s.records[r.LegacyID]; ok {
			continue
		}
		r.Processed = false
		r.DestinationID = nil
		r.CreatedAt, r.UpdatedAt = now, now
		s.records[r.LegacyID] = r
		n++
	}
	return n, nil
}

func (s *MemoryStore) CountRecords(_ context.Context, typeID string) (RecordCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c RecordCounts
	dest := make(map[uuid.UUID]struct{})
	for _, r := range s.records {
		if r.TypeID != typeID {
			continue
		}
		c.Total++
		if r.Processed {
			c.Processed++
		}
		if r.DestinationID != nil {
			dest[*r.DestinationID] = struct{}{}
		}
	}
	c.Destinations = int64(len(dest))
	return c, nil
}

func (s *MemoryStore) ResetPending(_ context.Context, typeIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if !r.Processed && slices.Contains(typeIDs, r.TypeID) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetContent(_ context.Context, id uuid.UUID) (*model.DestinationContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.content[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, apperrors.ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) CountContent(_ context.Context, contentType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.content {
		if c.Type == contentType {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Watermark(_ context.Context, typeID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.watermarks[typeID]
	return v, ok, nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, typeID string, lastUpdated int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[typeID] = lastUpdated
	return nil
}

func (s *MemoryStore) ClearWatermarks(_ context.Context, typeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range typeIDs {
		delete(s.watermarks, id)
	}
	return nil
}

func (s *MemoryStore) GetRepositoryMapping(_ context.Context, legacyRepoID string) (*model.RepositoryMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.repoMappings[legacyRepoID]
	if !ok {
		return nil, fmt.Errorf("repository mapping %s: %w", legacyRepoID, apperrors.ErrNotFound)
	}
	return cloneMapping(m), nil
}

func (s *MemoryStore) ListRepositoryMappings(_ context.Context) ([]model.RepositoryMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.RepositoryMapping, 0, len(s.repoMappings))
	for _, m := range s.repoMappings {
		out = append(out, *cloneMapping(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegacyRepoID < out[j].LegacyRepoID })
	return out, nil
}

func cloneMapping(m *model.RepositoryMapping) *model.RepositoryMapping {
	cp := *m
	cp.Versions = slices.Clone(m.Versions)
	return &cp
}

func (s *MemoryStore) EnsureRepository(_ context.Context, legacyRepoID string, repo model.Repository) (*model.RepositoryMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.repoMappings[legacyRepoID]; ok {
		return cloneMapping(m), false, nil
	}

	created := true
	for _, r := range s.repositories {
		if r.Name == repo.Name {
			repo = r
			created = false
			break
		}
	}
	if created {
		if repo.ID == uuid.Nil {
			repo.ID = uuid.New()
		}
		repo.CreatedAt = time.Now().UTC()
		s.repositories[repo.ID] = repo
	}

	m := &model.RepositoryMapping{
		LegacyRepoID:        legacyRepoID,
		DestinationRepoID:   repo.ID,
		DestinationRepoName: repo.Name,
		Plugin:              repo.Plugin,
	}
	s.repoMappings[legacyRepoID] = m
	return cloneMapping(m), created, nil
}

func (s *MemoryStore) GetRepository(_ context.Context, id uuid.UUID) (*model.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[id]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", id, apperrors.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) SetRepositoryRemote(_ context.Context, repoID, remoteID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[repoID]
	if !ok {
		return fmt.Errorf("repository %s: %w", repoID, apperrors.ErrNotFound)
	}
	r.RemoteID = &remoteID
	s.repositories[repoID] = r
	return nil
}

func (s *MemoryStore) latestVersionLocked(repoID uuid.UUID) (model.RepositoryVersion, bool) {
	var latest model.RepositoryVersion
	found := false
	for _, v := range s.versions {
		if v.RepositoryID == repoID && (!found || v.Number > latest.Number) {
			latest = v
			found = true
		}
	}
	return latest, found
}

func (s *MemoryStore) LatestRepositoryVersion(_ context.Context, repoID uuid.UUID) (*model.RepositoryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.latestVersionLocked(repoID)
	if !ok {
		return nil, fmt.Errorf("versions of repository %s: %w", repoID, apperrors.ErrNotFound)
	}
	v.ContentIDs = slices.Clone(v.ContentIDs)
	return &v, nil
}

func (s *MemoryStore) GetRepositoryVersion(_ context.Context, id uuid.UUID) (*model.RepositoryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("repository version %s: %w", id, apperrors.ErrNotFound)
	}
	v.ContentIDs = slices.Clone(v.ContentIDs)
	return &v, nil
}

func (s *MemoryStore) AppendRepositoryVersion(_ context.Context, legacyRepoID string, legacyNumber int64, repoID uuid.UUID, contentIDs []uuid.UUID) (model.VersionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.repoMappings[legacyRepoID]
	if !ok {
		return model.VersionMapping{}, fmt.Errorf("repository mapping %s: %w", legacyRepoID, apperrors.ErrNotFound)
	}
	if err := checkUnmapped(m, legacyNumber); err != nil {
		return model.VersionMapping{}, err
	}
	for _, id := range contentIDs {
		if _, ok := s.content[id]; !ok {
			return model.VersionMapping{}, fmt.Errorf("content %s: %w", id, apperrors.ErrNotFound)
		}
	}

	next := 1
	if latest, ok := s.latestVersionLocked(repoID); ok {
		next = latest.Number + 1
	}
	v := model.RepositoryVersion{
		ID:           uuid.New(),
		RepositoryID: repoID,
		Number:       next,
		ContentIDs:   sortedIDs(contentIDs),
		CreatedAt:    time.Now().UTC(),
	}
	s.versions[v.ID] = v
	vm := model.VersionMapping{LegacyNumber: legacyNumber, DestinationNumber: v.Number, DestinationVersionID: v.ID}
	m.Versions = append(m.Versions, vm)
	return vm, nil
}

func (s *MemoryStore) MapRepositoryVersion(_ context.Context, legacyRepoID string, legacyNumber int64, version model.RepositoryVersion) (model.VersionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.repoMappings[legacyRepoID]
	if !ok {
		return model.VersionMapping{}, fmt.Errorf("repository mapping %s: %w", legacyRepoID, apperrors.ErrNotFound)
	}
	if err := checkUnmapped(m, legacyNumber); err != nil {
		return model.VersionMapping{}, err
	}
	if _, ok := s.versions[version.ID]; !ok {
		return model.VersionMapping{}, fmt.Errorf("repository version %s: %w", version.ID, apperrors.ErrNotFound)
	}
	vm := model.VersionMapping{LegacyNumber: legacyNumber, DestinationNumber: version.Number, DestinationVersionID: version.ID}
	m.Versions = append(m.Versions, vm)
	return vm, nil
}

func checkUnmapped(m *model.RepositoryMapping, legacyNumber int64) error {
	for _, v := range m.Versions {
		if v.LegacyNumber == legacyNumber {
			return apperrors.Transient(fmt.Errorf("legacy version %d of %s already mapped", legacyNumber, m.LegacyRepoID))
		}
	}
	return nil
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b uuid.UUID) int { return compareUUID(a, b) })
	return slices.Compact(out)
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (s *MemoryStore) GetImporterMapping(_ context.Context, legacyImporterID string) (*model.ImporterMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.importerMaps[legacyImporterID]
	if !ok {
		return nil, fmt.Errorf("importer mapping %s: %w", legacyImporterID, apperrors.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetRemote(_ context.Context, id uuid.UUID) (*model.Remote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.remotes[id]
	if !ok {
		return nil, fmt.Errorf("remote %s: %w", id, apperrors.ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) SaveRemote(_ context.Context, remote *model.Remote, mapping model.ImporterMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.remotes[remote.ID]; ok {
		remote.CreatedAt = existing.CreatedAt
	} else {
		for _, r := range s.remotes {
			if r.Name == remote.Name {
				return fmt.Errorf("remote name %q already taken by %s", remote.Name, r.ID)
			}
		}
		remote.CreatedAt = now
	}
	remote.UpdatedAt = now
	s.remotes[remote.ID] = *remote
	mapping.RemoteID = remote.ID
	s.importerMaps[mapping.LegacyImporterID] = mapping
	return nil
}

func (s *MemoryStore) GetDistributionMapping(_ context.Context, legacyDistributorID string) (*model.DistributionMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.distributorMaps[legacyDistributorID]
	if !ok {
		return nil, fmt.Errorf("distribution mapping %s: %w", legacyDistributorID, apperrors.ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) GetDistribution(_ context.Context, id uuid.UUID) (*model.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[id]
	if !ok {
		return nil, fmt.Errorf("distribution %s: %w", id, apperrors.ErrNotFound)
	}
	return &d, nil
}

// Publications returns the number of publications created.
func (s *MemoryStore) Publications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publications)
}

func (s *MemoryStore) SaveDistribution(_ context.Context, pub *model.Publication, dist *model.Distribution, mapping model.DistributionMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.distributions {
		if d.ID == dist.ID {
			continue
		}
		if d.BasePath == dist.BasePath {
			return fmt.Errorf("base path %q already served by distribution %s", dist.BasePath, d.Name)
		}
		if d.Name == dist.Name {
			return fmt.Errorf("distribution name %q already taken", dist.Name)
		}
	}

	now := time.Now().UTC()
	if pub != nil {
		pub.CreatedAt = now
		s.publications[pub.ID] = *pub
	}
	if existing, ok := s.distributions[dist.ID]; ok {
		dist.CreatedAt = existing.CreatedAt
	} else {
		dist.CreatedAt = now
	}
	dist.UpdatedAt = now
	s.distributions[dist.ID] = *dist
	mapping.DistributionID = dist.ID
	s.distributorMaps[mapping.LegacyDistributorID] = mapping
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *MemoryStore) LatestRun(_ context.Context, plan string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *RunRecord
	for i := range s.runs {
		r := s.runs[i]
		if plan != "" && r.Plan != plan {
			continue
		}
		if latest == nil || !r.StartedAt.Before(latest.StartedAt) {
			latest = &r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("runs of plan %q: %w", plan, apperrors.ErrNotFound)
	}
	return latest, nil
}

func (s *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
