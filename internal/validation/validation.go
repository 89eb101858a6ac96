// Package validation verifies a finished migration by comparing the legacy
// store with the bookkeeping and destination data.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/plan"
	"github.com/reloquent/carryover/internal/store"
)

// Check statuses.
const (
	StatusPass    = "PASS"
	StatusFail    = "FAIL"
	StatusPartial = "PARTIAL"
)

// Result holds the outcome of post-migration validation.
type Result struct {
	Plan         string             `json:"plan"`
	Status       string             `json:"status"`
	Types        []TypeResult       `json:"types"`
	Repositories []RepositoryResult `json:"repositories,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  time.Time          `json:"completed_at"`
}

// Failed reports whether any check failed.
func (r *Result) Failed() bool {
	return r.Status != StatusPass
}

// Validator performs post-migration validation.
type Validator struct {
	Mirror   legacy.Mirror
	Store    store.Store
	Plugins  plan.PluginLookup
	Callback func(subject, check string, passed bool)
}

// Validate checks every content type and repository selected by p.
func (v *Validator) Validate(ctx context.Context, p *plan.Plan) (*Result, error) {
	if err := p.Validate(v.Plugins); err != nil {
		return nil, err
	}

	result := &Result{Plan: p.Name, StartedAt: time.Now()}
	var statuses []string

	for _, sel := range p.Selections() {
		plugin, err := v.Plugins.Plugin(sel.Plugin)
		if err != nil {
			return nil, err
		}

		if sel.Content {
			for _, ct := range plugin.ContentTypes {
				tr, err := v.validateType(ctx, plugin.Name, ct)
				if err != nil {
					return nil, err
				}
				result.Types = append(result.Types, tr)
			}
		}

		if sel.Repositories {
			repos, err := v.validateRepositories(ctx, plugin.RepositoryType, sel.RepositoryIDs)
			if err != nil {
				return nil, fmt.Errorf("validating %s repositories: %w", plugin.Name, err)
			}
			for _, rr := range repos {
				v.notify(rr.RepoID, "repository", rr.Status == StatusPass)
				statuses = append(statuses, rr.Status)
			}
			result.Repositories = append(result.Repositories, repos...)
		}
	}

	checkDestinations(result.Types)
	for _, tr := range result.Types {
		v.notify(tr.TypeID, "count", tr.Status == StatusPass)
		statuses = append(statuses, tr.Status)
	}

	result.CompletedAt = time.Now()
	result.Status = computeOverallStatus(statuses)
	return result, nil
}

func (v *Validator) notify(subject, check string, passed bool) {
	if v.Callback != nil {
		v.Callback(subject, check, passed)
	}
}

func computeOverallStatus(statuses []string) string {
	if len(statuses) == 0 {
		return StatusPass
	}
	failCount := 0
	for _, s := range statuses {
		if s == StatusFail {
			failCount++
		}
	}
	if failCount == 0 {
		return StatusPass
	}
	if failCount == len(statuses) {
		return StatusFail
	}
	return StatusPartial
}
