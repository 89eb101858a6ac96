package legacy

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

// MemoryMirror is an in-memory Mirror used by tests and dry runs. Each Iter
// call copies the current data, so mutations between calls are visible to
// the next sequence only.
type MemoryMirror struct {
	mu           sync.Mutex
	content      map[string][]model.LegacyContentDescriptor
	repositories []model.LegacyRepository
	versions     map[string][]model.VersionSnapshot
	importers    map[string][]model.LegacyImporter
	distributors map[string][]model.LegacyDistributor

	// ContentErr, when set, is yielded by IterContent after
	// ContentErrAfter descriptors of ContentErrType.
	ContentErr      error
	ContentErrType  string
	ContentErrAfter int
	// ContentErrTimes limits how many sequences fail; zero means every one.
	ContentErrTimes int
	contentErrCount int

	// ContentCalls counts IterContent invocations per type.
	ContentCalls map[string]int
}

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		content:      make(map[string][]model.LegacyContentDescriptor),
		versions:     make(map[string][]model.VersionSnapshot),
		importers:    make(map[string][]model.LegacyImporter),
		distributors: make(map[string][]model.LegacyDistributor),
		ContentCalls: make(map[string]int),
	}
}

// AddContent appends content units.
func (m *MemoryMirror) AddContent(units ...model.LegacyContentDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range units {
		m.content[u.TypeID] = append(m.content[u.TypeID], u)
	}
}

// RemoveContent deletes a content unit.
func (m *MemoryMirror) RemoveContent(typeID, legacyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[typeID] = slices.DeleteFunc(m.content[typeID], func(d model.LegacyContentDescriptor) bool {
		return d.LegacyID == legacyID
	})
}

// AddRepository adds a repository with its version snapshots.
func (m *MemoryMirror) AddRepository(repo model.LegacyRepository, versions ...model.VersionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repositories = append(m.repositories, repo)
	m.versions[repo.RepoID] = append(m.versions[repo.RepoID], versions...)
}

// AddVersion appends a version snapshot to an existing repository.
func (m *MemoryMirror) AddVersion(repoID string, v model.VersionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[repoID] = append(m.versions[repoID], v)
}

// AddImporter attaches an importer to a repository.
func (m *MemoryMirror) AddImporter(imp model.LegacyImporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importers[imp.RepoID] = append(m.importers[imp.RepoID], imp)
}

// SetImporters replaces a repository's importers.
func (m *MemoryMirror) SetImporters(repoID string, imps ...model.LegacyImporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importers[repoID] = imps
}

// AddDistributor attaches a distributor to a repository.
func (m *MemoryMirror) AddDistributor(d model.LegacyDistributor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributors[d.RepoID] = append(m.distributors[d.RepoID], d)
}

func (m *MemoryMirror) IterContent(ctx context.Context, typeID string, since int64) iter.Seq2[model.LegacyContentDescriptor, error] {
	m.mu.Lock()
	m.ContentCalls[typeID]++
	units := slices.Clone(m.content[typeID])
	var injected error
	if m.ContentErr != nil && m.ContentErrType == typeID &&
		(m.ContentErrTimes == 0 || m.contentErrCount < m.ContentErrTimes) {
		injected = m.ContentErr
		m.contentErrCount++
	}
	failAfter := m.ContentErrAfter
	m.mu.Unlock()

	sort.SliceStable(units, func(i, j int) bool {
		if units[i].LastUpdated != units[j].LastUpdated {
			return units[i].LastUpdated < units[j].LastUpdated
		}
		return units[i].LegacyID < units[j].LegacyID
	})

	return func(yield func(model.LegacyContentDescriptor, error) bool) {
		n := 0
		for _, u := range units {
			if u.LastUpdated < since {
				continue
			}
			if injected != nil && n == failAfter {
				yield(model.LegacyContentDescriptor{}, injected)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(model.LegacyContentDescriptor{}, err)
				return
			}
			if !yield(u, nil) {
				return
			}
			n++
		}
		if injected != nil && n <= failAfter {
			yield(model.LegacyContentDescriptor{}, injected)
		}
	}
}

func (m *MemoryMirror) CountContent(_ context.Context, typeID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.content[typeID])), nil
}

func (m *MemoryMirror) IterRepositories(_ context.Context, repoType string, ids []string) iter.Seq2[model.LegacyRepository, error] {
	m.mu.Lock()
	repos := slices.Clone(m.repositories)
	m.mu.Unlock()
	sort.SliceStable(repos, func(i, j int) bool { return repos[i].RepoID < repos[j].RepoID })

	return func(yield func(model.LegacyRepository, error) bool) {
		for _, r := range repos {
			if r.Plugin != repoType {
				continue
			}
			if len(ids) > 0 && !slices.Contains(ids, r.RepoID) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *MemoryMirror) IterRepositoryVersions(_ context.Context, repoID string) iter.Seq2[model.VersionSnapshot, error] {
	m.mu.Lock()
	versions, ok := m.versions[repoID]
	versions = slices.Clone(versions)
	m.mu.Unlock()

	return func(yield func(model.VersionSnapshot, error) bool) {
		if !ok {
			yield(model.VersionSnapshot{}, apperrors.ErrNotFound)
			return
		}
		for _, v := range versions {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (m *MemoryMirror) IterImporters(_ context.Context, repoID string) iter.Seq2[model.LegacyImporter, error] {
	m.mu.Lock()
	imps := slices.Clone(m.importers[repoID])
	m.mu.Unlock()
	return func(yield func(model.LegacyImporter, error) bool) {
		for _, imp := range imps {
			if !yield(imp, nil) {
				return
			}
		}
	}
}

func (m *MemoryMirror) IterDistributors(_ context.Context, repoID string) iter.Seq2[model.LegacyDistributor, error] {
	m.mu.Lock()
	dists := slices.Clone(m.distributors[repoID])
	m.mu.Unlock()
	return func(yield func(model.LegacyDistributor, error) bool) {
		for _, d := range dists {
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (m *MemoryMirror) Inventory(_ context.Context) ([]TypeCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TypeCount
	for typeID, units := range m.content {
		out = append(out, TypeCount{TypeID: typeID, Collection: "units_" + typeID, Count: int64(len(units))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out, nil
}

func (m *MemoryMirror) Close(context.Context) error {
	return nil
}

var _ Mirror = (*MemoryMirror)(nil)
