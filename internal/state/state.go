// Package state keeps a small local record of the runs started from this
// machine, so status can be shown without a database round trip.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reloquent/carryover/internal/config"
)

const DefaultPath = "~/.carryover/state.yaml"

// historyLimit is how many past runs are kept per plan.
const historyLimit = 20

// State holds the runs recorded per plan.
type State struct {
	LastUpdated time.Time            `yaml:"last_updated"`
	Plans       map[string]PlanState `yaml:"plans,omitempty"`
}

// PlanState tracks one plan.
type PlanState struct {
	PlanPath string `yaml:"plan_path,omitempty"`
	PlanHash string `yaml:"plan_hash,omitempty"`
	Runs     []Run  `yaml:"runs,omitempty"`
}

// Run is the summary of one run.
type Run struct {
	ID         string     `yaml:"id"`
	State      string     `yaml:"state"`
	Outcome    string     `yaml:"outcome,omitempty"`
	DryRun     bool       `yaml:"dry_run,omitempty"`
	StartedAt  time.Time  `yaml:"started_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty"`
	Failures   int64      `yaml:"failures,omitempty"`
	ReportPath string     `yaml:"report_path,omitempty"`
	Error      string     `yaml:"error,omitempty"`
}

// Load reads the state from disk. A missing file is an empty state.
func Load(path string) (*State, error) {
	if path == "" {
		path = config.ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("reading state: %w", err)
	}

	s := &State{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}
	if s.Plans == nil {
		s.Plans = make(map[string]PlanState)
	}
	return s, nil
}

// Save writes the state to disk.
func (s *State) Save(path string) error {
	if path == "" {
		path = config.ExpandHome(DefaultPath)
	}

	s.LastUpdated = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// New creates an empty state.
func New() *State {
	return &State{
		LastUpdated: time.Now(),
		Plans:       make(map[string]PlanState),
	}
}

// RecordRun inserts or replaces run under plan, newest first.
func (s *State) RecordRun(plan, planPath, planHash string, run Run) {
	ps := s.Plans[plan]
	if planPath != "" {
		ps.PlanPath = planPath
	}
	ps.PlanHash = planHash

	replaced := false
	for i := range ps.Runs {
		if ps.Runs[i].ID == run.ID {
			ps.Runs[i] = run
			replaced = true
			break
		}
	}
	if !replaced {
		ps.Runs = append(ps.Runs, run)
	}
	sort.SliceStable(ps.Runs, func(i, j int) bool { return ps.Runs[i].StartedAt.After(ps.Runs[j].StartedAt) })
	if len(ps.Runs) > historyLimit {
		ps.Runs = ps.Runs[:historyLimit]
	}
	s.Plans[plan] = ps
}

// LastRun returns the most recent run of plan.
func (s *State) LastRun(plan string) (Run, bool) {
	ps, ok := s.Plans[plan]
	if !ok || len(ps.Runs) == 0 {
		return Run{}, false
	}
	return ps.Runs[0], true
}

// PlanNames returns the recorded plan names, sorted.
func (s *State) PlanNames() []string {
	names := make([]string, 0, len(s.Plans))
	for name := range s.Plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
