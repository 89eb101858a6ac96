// Package plan parses and validates migration plans.
package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/reloquent/carryover/internal/registry"
)

// Plan is an immutable, ordered selection of plugins to migrate.
type Plan struct {
	Name    string  `yaml:"name,omitempty" json:"name,omitempty"`
	Plugins []Entry `yaml:"plugins" json:"plugins"`
}

// Entry selects what to migrate for one plugin. Omitted flags default as
// follows: content and repositories to true; importers and distributors to
// the resolved repositories value.
type Entry struct {
	Type          string   `yaml:"type" json:"type"`
	Content       *bool    `yaml:"content,omitempty" json:"content,omitempty"`
	Repositories  *bool    `yaml:"repositories,omitempty" json:"repositories,omitempty"`
	Importers     *bool    `yaml:"importers,omitempty" json:"importers,omitempty"`
	Distributors  *bool    `yaml:"distributors,omitempty" json:"distributors,omitempty"`
	RepositoryIDs []string `yaml:"repository_ids,omitempty" json:"repository_ids,omitempty"`
}

// Selection is an Entry with defaults applied.
type Selection struct {
	Plugin        string   `json:"plugin"`
	Content       bool     `json:"content"`
	Repositories  bool     `json:"repositories"`
	Importers     bool     `json:"importers"`
	Distributors  bool     `json:"distributors"`
	RepositoryIDs []string `json:"repository_ids,omitempty"`
}

// Structure reports whether any repository-level work is selected.
func (s Selection) Structure() bool {
	return s.Repositories || s.Importers || s.Distributors
}

// Resolve applies defaults.
func (e Entry) Resolve() Selection {
	s := Selection{
		Plugin:        e.Type,
		Content:       boolOr(e.Content, true),
		Repositories:  boolOr(e.Repositories, true),
		RepositoryIDs: e.RepositoryIDs,
	}
	s.Importers = boolOr(e.Importers, s.Repositories)
	s.Distributors = boolOr(e.Distributors, s.Repositories)
	return s
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Selections returns the resolved entries in plan order.
func (p *Plan) Selections() []Selection {
	out := make([]Selection, len(p.Plugins))
	for i, e := range p.Plugins {
		out[i] = e.Resolve()
	}
	return out
}

// ContentOnly reports whether the plan migrates content and nothing else.
func (p *Plan) ContentOnly() bool {
	for _, s := range p.Selections() {
		if s.Structure() {
			return false
		}
	}
	return true
}

// Hash is a stable digest of the resolved selections, used to tell plans apart.
func (p *Plan) Hash() string {
	data, err := json.Marshal(p.Selections())
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Parse decodes a YAML or JSON plan document. Unknown fields are rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	p := &Plan{}
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing plan: empty document")
		}
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	for i := range p.Plugins {
		p.Plugins[i].Type = strings.TrimSpace(p.Plugins[i].Type)
	}
	return p, nil
}

// Load reads a plan file. The plan name defaults to the file name without
// its extension.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return p, nil
}

// PluginLookup resolves plugin names.
type PluginLookup interface {
	Plugin(name string) (registry.Plugin, error)
}

// Validate checks the plan against the registered plugins. Unknown plugins
// fail with UnknownTypeError.
func (p *Plan) Validate(plugins PluginLookup) error {
	if len(p.Plugins) == 0 {
		return fmt.Errorf("plan %q selects no plugins", p.Name)
	}
	seen := make(map[string]bool, len(p.Plugins))
	for i, e := range p.Plugins {
		if e.Type == "" {
			return fmt.Errorf("plan entry %d: type is required", i+1)
		}
		if _, err := plugins.Plugin(e.Type); err != nil {
			return fmt.Errorf("plan entry %d: %w", i+1, err)
		}
		if seen[e.Type] {
			return fmt.Errorf("plan entry %d: plugin %s listed twice", i+1, e.Type)
		}
		seen[e.Type] = true

		s := e.Resolve()
		if !s.Content && !s.Structure() {
			return fmt.Errorf("plan entry %d: plugin %s selects nothing", i+1, e.Type)
		}
		if len(s.RepositoryIDs) > 0 && !s.Structure() {
			return fmt.Errorf("plan entry %d: repository_ids given but no repository work selected", i+1)
		}
	}
	return nil
}
