package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// LegacyContentDescriptor is a read-only projection of one legacy content unit.
type LegacyContentDescriptor struct {
	LegacyID    string         `json:"legacy_id"`
	TypeID      string         `json:"type_id"`
	Fields      map[string]any `json:"fields"`
	StoragePath string         `json:"storage_path,omitempty"`
	LastUpdated int64          `json:"last_updated"`
	Downloaded  bool           `json:"downloaded"`
}

// FieldString renders a descriptor field as a string. Numeric values are
// formatted without exponent so that natural keys stay stable across drivers.
func (d LegacyContentDescriptor) FieldString(name string) (string, error) {
	v, ok := d.Fields[name]
	if !ok || v == nil {
		return "", fmt.Errorf("field %q missing on %s unit %s", name, d.TypeID, d.LegacyID)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// OptionalString returns the field as a string, or "" if it is absent.
func (d LegacyContentDescriptor) OptionalString(name string) string {
	s, err := d.FieldString(name)
	if err != nil {
		return ""
	}
	return s
}

// MigrationRecord links one legacy content unit to its destination content.
type MigrationRecord struct {
	LegacyID          string     `json:"legacy_id"`
	TypeID            string     `json:"type_id"`
	DestinationID     *uuid.UUID `json:"destination_id,omitempty"`
	Processed         bool       `json:"processed"`
	LegacyLastUpdated int64      `json:"legacy_last_updated"`
	StoragePath       string     `json:"storage_path,omitempty"`
	Downloaded        bool       `json:"downloaded"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PendingRecord builds the unprocessed record written while mirroring.
func PendingRecord(d LegacyContentDescriptor) MigrationRecord {
	return MigrationRecord{
		LegacyID:          d.LegacyID,
		TypeID:            d.TypeID,
		LegacyLastUpdated: d.LastUpdated,
		StoragePath:       d.StoragePath,
		Downloaded:        d.Downloaded,
	}
}

// DestinationContent is a content object in the destination store.
// Rows are immutable once inserted.
type DestinationContent struct {
	ID           uuid.UUID      `json:"id"`
	Type         string         `json:"type"`
	NaturalKey   NaturalKey     `json:"natural_key"`
	Fields       map[string]any `json:"fields"`
	ArtifactPath string         `json:"artifact_path,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// LegacyRepository is a repository as stored in the legacy store.
type LegacyRepository struct {
	RepoID          string    `json:"repo_id"`
	Plugin          string    `json:"plugin"`
	DisplayName     string    `json:"display_name,omitempty"`
	Description     string    `json:"description,omitempty"`
	LastUnitAdded   time.Time `json:"last_unit_added,omitempty"`
	LastUnitRemoved time.Time `json:"last_unit_removed,omitempty"`
}

// ModifiedAt is the last time the repository's membership changed.
func (r LegacyRepository) ModifiedAt() time.Time {
	if r.LastUnitRemoved.After(r.LastUnitAdded) {
		return r.LastUnitRemoved
	}
	return r.LastUnitAdded
}

// MemberRef identifies one content unit in a legacy repository.
type MemberRef struct {
	LegacyID string `json:"legacy_id"`
	TypeID   string `json:"type_id"`
}

// VersionSnapshot is the membership of a legacy repository at one version.
type VersionSnapshot struct {
	Number  int64       `json:"number"`
	Members []MemberRef `json:"members"`
}

// Repository is a destination repository.
type Repository struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Plugin      string     `json:"plugin"`
	Description string     `json:"description,omitempty"`
	RemoteID    *uuid.UUID `json:"remote_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RepositoryVersion is an immutable content set of a destination repository.
type RepositoryVersion struct {
	ID           uuid.UUID   `json:"id"`
	RepositoryID uuid.UUID   `json:"repository_id"`
	Number       int         `json:"number"`
	ContentIDs   []uuid.UUID `json:"content_ids"`
	CreatedAt    time.Time   `json:"created_at"`
}

// VersionMapping maps one legacy version snapshot to a destination version.
type VersionMapping struct {
	LegacyNumber         int64     `json:"legacy_number"`
	DestinationNumber    int       `json:"destination_number"`
	DestinationVersionID uuid.UUID `json:"destination_version_id"`
}

// RepositoryMapping links a legacy repository to its destination repository
// and its reconstructed version history.
type RepositoryMapping struct {
	LegacyRepoID        string           `json:"legacy_repo_id"`
	DestinationRepoID   uuid.UUID        `json:"destination_repo_id"`
	DestinationRepoName string           `json:"destination_repo_name"`
	Plugin              string           `json:"plugin"`
	Versions            []VersionMapping `json:"versions,omitempty"`
}

// Latest returns the mapping for the highest legacy version migrated so far.
func (m *RepositoryMapping) Latest() (VersionMapping, bool) {
	if m == nil || len(m.Versions) == 0 {
		return VersionMapping{}, false
	}
	latest := m.Versions[0]
	for _, v := range m.Versions[1:] {
		if v.LegacyNumber > latest.LegacyNumber {
			latest = v
		}
	}
	return latest, true
}

// LegacyImporter is a legacy importer (sync source) attached to a repository.
type LegacyImporter struct {
	ID          string         `json:"id"`
	RepoID      string         `json:"repo_id"`
	TypeID      string         `json:"type_id"`
	Config      map[string]any `json:"config,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Key identifies the importer across the legacy store.
func (i LegacyImporter) Key() string {
	return i.RepoID + "/" + i.ID
}

// Remote is the destination representation of an importer.
type Remote struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Plugin    string         `json:"plugin"`
	URL       string         `json:"url"`
	Policy    string         `json:"policy"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ImporterMapping links a legacy importer to its destination remote.
type ImporterMapping struct {
	LegacyImporterID  string    `json:"legacy_importer_id"`
	LegacyRepoID      string    `json:"legacy_repo_id"`
	RemoteID          uuid.UUID `json:"remote_id"`
	LegacyLastUpdated time.Time `json:"legacy_last_updated"`
}

// LegacyDistributor is a legacy distributor (publish target) of a repository.
type LegacyDistributor struct {
	ID          string         `json:"id"`
	RepoID      string         `json:"repo_id"`
	TypeID      string         `json:"type_id"`
	Config      map[string]any `json:"config,omitempty"`
	AutoPublish bool           `json:"auto_publish"`
	LastPublish time.Time      `json:"last_publish,omitempty"`
}

// Key identifies the distributor across the legacy store. Distributor ids
// are only unique within a repository.
func (d LegacyDistributor) Key() string {
	return d.RepoID + "/" + d.ID
}

// Publication is a destination publication of a repository version.
type Publication struct {
	ID                  uuid.UUID      `json:"id"`
	RepositoryVersionID uuid.UUID      `json:"repository_version_id"`
	Plugin              string         `json:"plugin"`
	Config              map[string]any `json:"config,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Distribution serves a publication, or a repository version directly for
// plugins without publications.
type Distribution struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	BasePath            string     `json:"base_path"`
	Plugin              string     `json:"plugin"`
	PublicationID       *uuid.UUID `json:"publication_id,omitempty"`
	RepositoryVersionID *uuid.UUID `json:"repository_version_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DistributionMapping binds a legacy distributor to the destination
// publication and distribution built from it.
type DistributionMapping struct {
	LegacyDistributorID string     `json:"legacy_distributor_id"`
	LegacyRepoID        string     `json:"legacy_repo_id"`
	DestinationRepoID   uuid.UUID  `json:"destination_repo_id"`
	RepositoryVersionID uuid.UUID  `json:"repository_version_id"`
	PublicationID       *uuid.UUID `json:"publication_id,omitempty"`
	DistributionID      uuid.UUID  `json:"distribution_id"`
}
