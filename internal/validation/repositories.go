package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/legacy"
	"github.com/reloquent/carryover/internal/model"
)

// RepositoryResult compares one legacy repository with its destination.
type RepositoryResult struct {
	RepoID             string `json:"repo_id"`
	DestinationName    string `json:"destination_name,omitempty"`
	LegacyVersion      int64  `json:"legacy_version"`
	MigratedVersion    int64  `json:"migrated_version"`
	DestinationVersion int    `json:"destination_version"`
	LegacyMembers      int    `json:"legacy_members"`
	DestinationContent int    `json:"destination_content"`
	Status             string `json:"status"`
	Message            string `json:"message,omitempty"`
}

func (v *Validator) validateRepositories(ctx context.Context, repoType string, ids []string) ([]RepositoryResult, error) {
	repos, err := legacy.Collect(v.Mirror.IterRepositories(ctx, repoType, ids))
	if err != nil {
		return nil, err
	}
	out := make([]RepositoryResult, 0, len(repos))
	for _, repo := range repos {
		rr, err := v.validateRepository(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", repo.RepoID, err)
		}
		out = append(out, rr)
	}
	return out, nil
}

// validateRepository checks that the newest legacy version was migrated and
// that the destination version it maps to exists.
func (v *Validator) validateRepository(ctx context.Context, repo model.LegacyRepository) (RepositoryResult, error) {
	rr := RepositoryResult{RepoID: repo.RepoID, Status: StatusPass}

	versions, err := legacy.Collect(v.Mirror.IterRepositoryVersions(ctx, repo.RepoID))
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return rr, err
	}
	var newest *model.VersionSnapshot
	for i := range versions {
		if newest == nil || versions[i].Number > newest.Number {
			newest = &versions[i]
		}
	}
	if newest != nil {
		rr.LegacyVersion = newest.Number
		rr.LegacyMembers = len(newest.Members)
	}

	mapping, err := v.Store.GetRepositoryMapping(ctx, repo.RepoID)
	if errors.Is(err, apperrors.ErrNotFound) {
		rr.Status = StatusFail
		rr.Message = "repository not migrated"
		return rr, nil
	}
	if err != nil {
		return rr, err
	}
	rr.DestinationName = mapping.DestinationRepoName

	latest, ok := mapping.Latest()
	if !ok {
		if newest != nil {
			rr.Status = StatusFail
			rr.Message = "no versions migrated"
		}
		return rr, nil
	}
	rr.MigratedVersion = latest.LegacyNumber
	rr.DestinationVersion = latest.DestinationNumber

	var problems []string
	if newest != nil && latest.LegacyNumber != newest.Number {
		problems = append(problems, fmt.Sprintf("legacy version %d not migrated (latest migrated %d)", newest.Number, latest.LegacyNumber))
	}
	version, err := v.Store.GetRepositoryVersion(ctx, latest.DestinationVersionID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		problems = append(problems, fmt.Sprintf("destination version %d missing", latest.DestinationNumber))
	case err != nil:
		return rr, err
	default:
		rr.DestinationContent = len(version.ContentIDs)
		if rr.DestinationContent > rr.LegacyMembers && latest.LegacyNumber == rr.LegacyVersion {
			problems = append(problems, fmt.Sprintf("destination holds %d objects for %d legacy members", rr.DestinationContent, rr.LegacyMembers))
		}
	}

	if len(problems) > 0 {
		rr.Status = StatusFail
		rr.Message = strings.Join(problems, "; ")
	}
	return rr, nil
}
