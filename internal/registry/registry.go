package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

// NaturalKeyFunc extracts the deterministic natural key of a legacy unit.
type NaturalKeyFunc func(d model.LegacyContentDescriptor) (model.NaturalKey, error)

// TransformFunc builds the destination content for a legacy unit. ID, Type
// and NaturalKey are filled in by the reconciler.
type TransformFunc func(d model.LegacyContentDescriptor) (model.DestinationContent, error)

// ImporterFunc converts a legacy importer into a remote. A nil remote means
// the importer has nothing worth migrating (e.g. no feed).
type ImporterFunc func(imp model.LegacyImporter) (*model.Remote, error)

// DistributionTarget is the destination repository version a distributor is bound to.
type DistributionTarget struct {
	RepositoryName      string
	RepositoryVersionID uuid.UUID
}

// DistributorFunc converts a legacy distributor into a publication (optional)
// and a distribution.
type DistributorFunc func(d model.LegacyDistributor, target DistributionTarget) (*model.Publication, *model.Distribution, error)

// LegacySchema describes where and how a content type is stored in the legacy store.
type LegacySchema struct {
	Collection string
	Fields     []string
}

// DestinationSchema describes the destination content class.
type DestinationSchema struct {
	Type             string
	NaturalKeyFields []string
}

// ContentType ties a legacy type identifier to its destination class.
type ContentType struct {
	ID          string
	Plugin      string
	Legacy      LegacySchema
	Destination DestinationSchema
	NaturalKey  NaturalKeyFunc
	Transform   TransformFunc
}

// Plugin groups the content types and structure converters of one plugin.
type Plugin struct {
	Name           string
	RepositoryType string
	ContentTypes   []ContentType
	Importers      map[string]ImporterFunc
	Distributors   map[string]DistributorFunc
}

// TypeIDs returns the plugin's content type identifiers in registration order.
func (p Plugin) TypeIDs() []string {
	ids := make([]string, len(p.ContentTypes))
	for i, ct := range p.ContentTypes {
		ids[i] = ct.ID
	}
	return ids
}

// Registry is the static mapping from legacy type identifiers to content
// types. It is populated at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]ContentType
	plugins map[string]Plugin
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		types:   make(map[string]ContentType),
		plugins: make(map[string]Plugin),
	}
}

// Register adds a single content type.
func (r *Registry) Register(ct ContentType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkContentType(ct); err != nil {
		return err
	}
	r.types[ct.ID] = withDefaults(ct)
	return nil
}

// RegisterPlugin adds a plugin and all of its content types. Nothing is
// registered if any content type is invalid.
func (r *Registry) RegisterPlugin(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Name == "" {
		return apperrors.InvalidPluginContract("", "plugin name is required")
	}
	if _, exists := r.plugins[p.Name]; exists {
		return apperrors.InvalidPluginContract(p.Name, "plugin already registered")
	}
	if len(p.ContentTypes) == 0 {
		return apperrors.InvalidPluginContract(p.Name, "plugin declares no content types")
	}

	seen := make(map[string]bool, len(p.ContentTypes))
	for i := range p.ContentTypes {
		ct := p.ContentTypes[i]
		if seen[ct.ID] {
			return apperrors.InvalidPluginContract(ct.ID, "declared twice by plugin %s", p.Name)
		}
		seen[ct.ID] = true
		if err := r.checkContentType(ct); err != nil {
			return err
		}
	}

	for i := range p.ContentTypes {
		p.ContentTypes[i].Plugin = p.Name
		p.ContentTypes[i] = withDefaults(p.ContentTypes[i])
		r.types[p.ContentTypes[i].ID] = p.ContentTypes[i]
	}
	r.plugins[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

func (r *Registry) checkContentType(ct ContentType) error {
	if ct.ID == "" {
		return apperrors.InvalidPluginContract("", "type identifier is required")
	}
	if _, exists := r.types[ct.ID]; exists {
		return apperrors.InvalidPluginContract(ct.ID, "type already registered")
	}
	if ct.NaturalKey == nil {
		return apperrors.InvalidPluginContract(ct.ID, "natural key extractor is required")
	}
	if ct.Transform == nil {
		return apperrors.InvalidPluginContract(ct.ID, "transform is required")
	}
	if ct.Destination.Type == "" {
		return apperrors.InvalidPluginContract(ct.ID, "destination content type is required")
	}
	return nil
}

func withDefaults(ct ContentType) ContentType {
	if ct.Legacy.Collection == "" {
		ct.Legacy.Collection = "units_" + ct.ID
	}
	return ct
}

// Resolve returns the content type registered under typeID.
func (r *Registry) Resolve(typeID string) (ContentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[typeID]
	if !ok {
		return ContentType{}, apperrors.UnknownType(typeID)
	}
	return ct, nil
}

// LegacySchema returns the legacy storage layout for typeID.
func (r *Registry) LegacySchema(typeID string) (LegacySchema, error) {
	ct, err := r.Resolve(typeID)
	if err != nil {
		return LegacySchema{}, err
	}
	return ct.Legacy, nil
}

// Plugin returns the plugin registered under name.
func (r *Registry) Plugin(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return Plugin{}, apperrors.UnknownType(name)
	}
	return p, nil
}

// PluginForRepositoryType returns the plugin owning a legacy repository type.
func (r *Registry) PluginForRepositoryType(repoType string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if r.plugins[name].RepositoryType == repoType {
			return r.plugins[name], nil
		}
	}
	return Plugin{}, apperrors.UnknownType(repoType)
}

// Plugins returns registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// TypeIDs returns every registered type identifier, sorted.
func (r *Registry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String is used in log lines.
func (ct ContentType) String() string {
	return fmt.Sprintf("%s -> %s", ct.ID, ct.Destination.Type)
}
