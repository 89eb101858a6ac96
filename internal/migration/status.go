package migration

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/apperrors"
)

// State is a run state.
type State string

const (
	StatePending                 State = "PENDING"
	StateMirroringContent        State = "MIRRORING_CONTENT"
	StateReconcilingContent      State = "RECONCILING_CONTENT"
	StateRebuildingRepositories  State = "REBUILDING_REPOSITORIES"
	StateRebuildingDistributions State = "REBUILDING_DISTRIBUTIONS"
	StateComplete                State = "COMPLETE"
	StateFailed                  State = "FAILED"
)

var transitions = map[State][]State{
	StatePending:                 {StateMirroringContent, StateComplete, StateFailed},
	StateMirroringContent:        {StateReconcilingContent, StateFailed},
	StateReconcilingContent:      {StateRebuildingRepositories, StateComplete, StateFailed},
	StateRebuildingRepositories:  {StateRebuildingDistributions, StateFailed},
	StateRebuildingDistributions: {StateComplete, StateFailed},
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Run outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomePartialFailure = "partial_failure"
	OutcomeFailed         = "failed"
	OutcomeCancelled      = "cancelled"
)

// Per-type states.
const (
	TypePending     = "pending"
	TypeMirroring   = "mirroring"
	TypeMirrored    = "mirrored"
	TypeReconciling = "reconciling"
	TypeCompleted   = "completed"
	TypeFailed      = "failed"
	TypeCancelled   = "cancelled"
)

// maxFailures caps the failures kept in status; the rest are only counted.
const maxFailures = 500

// Status is a snapshot of one run.
type Status struct {
	RunID           uuid.UUID       `json:"run_id" yaml:"run_id"`
	Plan            string          `json:"plan" yaml:"plan"`
	PlanHash        string          `json:"plan_hash" yaml:"plan_hash"`
	DryRun          bool            `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	State           State           `json:"state" yaml:"state"`
	Types           []TypeStatus    `json:"types" yaml:"types"`
	Repositories    StructureCounts `json:"repositories" yaml:"repositories"`
	Remotes         StructureCounts `json:"remotes" yaml:"remotes"`
	Distributions   StructureCounts `json:"distributions" yaml:"distributions"`
	Retries         int64           `json:"retries" yaml:"retries"`
	// ExcludedMembers counts repository members left out of rebuilt
	// versions because no plugin handles their type.
	ExcludedMembers int64           `json:"excluded_members,omitempty" yaml:"excluded_members,omitempty"`
	Failures        []Failure       `json:"failures,omitempty" yaml:"failures,omitempty"`
	FailureCount    int64           `json:"failure_count" yaml:"failure_count"`
	Outcome         string          `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error           string          `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	ElapsedTime     time.Duration   `json:"elapsed_time" yaml:"elapsed_time"`
}

// TypeStatus tracks one content type.
type TypeStatus struct {
	TypeID     string `json:"type_id" yaml:"type_id"`
	Plugin     string `json:"plugin" yaml:"plugin"`
	State      string `json:"state" yaml:"state"`
	Total      int64  `json:"total" yaml:"total"`
	Registered int64  `json:"registered" yaml:"registered"`
	Created    int64  `json:"created" yaml:"created"`
	Linked     int64  `json:"linked" yaml:"linked"`
	Skipped    int64  `json:"skipped" yaml:"skipped"`
	Failed     int64  `json:"failed" yaml:"failed"`
}

// Done is the number of units the run has finished with, successfully or not.
func (t TypeStatus) Done() int64 {
	return t.Created + t.Linked + t.Skipped + t.Failed
}

// PercentComplete is Done over Total, capped at 100.
func (t TypeStatus) PercentComplete() float64 {
	if t.Total <= 0 {
		if t.State == TypeCompleted {
			return 100
		}
		return 0
	}
	return min(100, float64(t.Done())/float64(t.Total)*100)
}

// StructureCounts tracks repositories, remotes or distributions.
type StructureCounts struct {
	Total     int64 `json:"total" yaml:"total"`
	Created   int64 `json:"created" yaml:"created"`
	Updated   int64 `json:"updated" yaml:"updated"`
	Unchanged int64 `json:"unchanged" yaml:"unchanged"`
	Skipped   int64 `json:"skipped" yaml:"skipped"`
	Failed    int64 `json:"failed" yaml:"failed"`
}

// Failure is one failed item.
type Failure struct {
	Kind     apperrors.Kind `json:"kind" yaml:"kind"`
	TypeID   string         `json:"type_id,omitempty" yaml:"type_id,omitempty"`
	LegacyID string         `json:"legacy_id,omitempty" yaml:"legacy_id,omitempty"`
	RepoID   string         `json:"repo_id,omitempty" yaml:"repo_id,omitempty"`
	Message  string         `json:"message" yaml:"message"`
}

func failureOf(err error) Failure {
	f := Failure{Kind: apperrors.KindOf(err), Message: err.Error()}
	var e *apperrors.Error
	if errors.As(err, &e) {
		f.TypeID, f.LegacyID, f.RepoID = e.TypeID, e.LegacyID, e.RepoID
	}
	return f
}

// Clone returns a deep copy safe to hand to callbacks.
func (s *Status) Clone() *Status {
	cp := *s
	cp.Types = slices.Clone(s.Types)
	cp.Failures = slices.Clone(s.Failures)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Totals sums the per-type counters.
func (s *Status) Totals() TypeStatus {
	var t TypeStatus
	for _, ts := range s.Types {
		t.Total += ts.Total
		t.Registered += ts.Registered
		t.Created += ts.Created
		t.Linked += ts.Linked
		t.Skipped += ts.Skipped
		t.Failed += ts.Failed
	}
	return t
}

func (s *Status) typeStatus(typeID string) *TypeStatus {
	for i := range s.Types {
		if s.Types[i].TypeID == typeID {
			return &s.Types[i]
		}
	}
	return nil
}

func (s *Status) addFailure(f Failure) {
	s.FailureCount++
	if len(s.Failures) < maxFailures {
		s.Failures = append(s.Failures, f)
	}
}

// StatusCallback is called whenever the run status changes state.
type StatusCallback func(status *Status)

// ErrIllegalTransition is returned for a state change the machine forbids.
var ErrIllegalTransition = errors.New("illegal state transition")

func (s *Status) transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.State, to)
	}
	s.State = to
	return nil
}
