package legacy

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

func TestDescriptorFromDoc(t *testing.T) {
	oid := bson.NewObjectID()
	doc := bson.M{
		"_id":           oid,
		"_last_updated": int32(1700000000),
		"_storage_path": "/var/lib/pulp/content/units/iso/ab/disk.iso",
		"downloaded":    false,
		"name":          "disk.iso",
		"size":          int32(42),
		"pkglist":       bson.A{bson.D{{Key: "name", Value: "bash"}}},
		"ignored":       "not projected",
	}

	d := descriptorFromDoc("iso", []string{"name", "size", "pkglist", "checksum"}, doc)
	if d.LegacyID != oid.Hex() {
		t.Errorf("LegacyID = %q", d.LegacyID)
	}
	if d.LastUpdated != 1700000000 {
		t.Errorf("LastUpdated = %d", d.LastUpdated)
	}
	if d.Downloaded {
		t.Error("downloaded flag should be read")
	}
	if d.Fields["size"] != int64(42) {
		t.Errorf("int32 should be widened, got %T", d.Fields["size"])
	}
	if _, ok := d.Fields["ignored"]; ok {
		t.Error("unlisted fields should not be copied")
	}
	if _, ok := d.Fields["checksum"]; ok {
		t.Error("absent fields should stay absent")
	}
	list, ok := d.Fields["pkglist"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("pkglist = %#v", d.Fields["pkglist"])
	}
	if entry, ok := list[0].(map[string]any); !ok || entry["name"] != "bash" {
		t.Errorf("nested document not normalized: %#v", list[0])
	}
}

func TestDescriptorDefaultsToDownloaded(t *testing.T) {
	d := descriptorFromDoc("iso", nil, bson.M{"_id": "abc"})
	if !d.Downloaded {
		t.Error("units without a downloaded flag are downloaded")
	}
	if d.LegacyID != "abc" {
		t.Errorf("string ids pass through, got %q", d.LegacyID)
	}
}

func TestRepositoryFromDoc(t *testing.T) {
	added := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := bson.M{
		"repo_id":         "centos-base",
		"display_name":    "CentOS Base",
		"last_unit_added": bson.NewDateTimeFromTime(added),
	}
	r := repositoryFromDoc("rpm-repo", doc)
	if r.RepoID != "centos-base" || r.Plugin != "rpm-repo" || r.DisplayName != "CentOS Base" {
		t.Errorf("repository = %+v", r)
	}
	if !r.ModifiedAt().Equal(added) {
		t.Errorf("ModifiedAt = %v", r.ModifiedAt())
	}
}

func TestMemoryMirrorContentOrderAndWatermark(t *testing.T) {
	m := NewMemoryMirror()
	m.AddContent(
		model.LegacyContentDescriptor{LegacyID: "c", TypeID: "iso", LastUpdated: 20},
		model.LegacyContentDescriptor{LegacyID: "b", TypeID: "iso", LastUpdated: 10},
		model.LegacyContentDescriptor{LegacyID: "a", TypeID: "iso", LastUpdated: 20},
	)

	got, err := Collect(m.IterContent(context.Background(), "iso", 0))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range got {
		ids = append(ids, d.LegacyID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("order = %v", ids)
	}

	got, _ = Collect(m.IterContent(context.Background(), "iso", 20))
	if len(got) != 2 {
		t.Errorf("watermark should include equal timestamps, got %d", len(got))
	}
	if m.ContentCalls["iso"] != 2 {
		t.Errorf("ContentCalls = %d", m.ContentCalls["iso"])
	}
}

func TestMemoryMirrorInjectedError(t *testing.T) {
	m := NewMemoryMirror()
	for _, id := range []string{"a", "b", "c"} {
		m.AddContent(model.LegacyContentDescriptor{LegacyID: id, TypeID: "iso"})
	}
	m.ContentErr = apperrors.Transient(errors.New("connection reset"))
	m.ContentErrType = "iso"
	m.ContentErrAfter = 2
	m.ContentErrTimes = 1

	got, err := Collect(m.IterContent(context.Background(), "iso", 0))
	if !apperrors.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 units before failure, got %d", len(got))
	}

	got, err = Collect(m.IterContent(context.Background(), "iso", 0))
	if err != nil || len(got) != 3 {
		t.Errorf("second sequence should succeed: %d units, err %v", len(got), err)
	}
}

func TestMemoryMirrorRepositories(t *testing.T) {
	m := NewMemoryMirror()
	m.AddRepository(model.LegacyRepository{RepoID: "r2", Plugin: "iso-repo"})
	m.AddRepository(model.LegacyRepository{RepoID: "r1", Plugin: "iso-repo"},
		model.VersionSnapshot{Number: 1, Members: []model.MemberRef{{LegacyID: "a", TypeID: "iso"}}})
	m.AddRepository(model.LegacyRepository{RepoID: "x", Plugin: "rpm-repo"})

	repos, _ := Collect(m.IterRepositories(context.Background(), "iso-repo", nil))
	if len(repos) != 2 || repos[0].RepoID != "r1" {
		t.Errorf("repos = %+v", repos)
	}
	repos, _ = Collect(m.IterRepositories(context.Background(), "iso-repo", []string{"r2"}))
	if len(repos) != 1 || repos[0].RepoID != "r2" {
		t.Errorf("filtered repos = %+v", repos)
	}

	versions, err := Collect(m.IterRepositoryVersions(context.Background(), "r1"))
	if err != nil || len(versions) != 1 {
		t.Errorf("versions = %+v, err %v", versions, err)
	}
	_, err = Collect(m.IterRepositoryVersions(context.Background(), "missing"))
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryMirrorInventory(t *testing.T) {
	m := NewMemoryMirror()
	m.AddContent(
		model.LegacyContentDescriptor{LegacyID: "1", TypeID: "rpm"},
		model.LegacyContentDescriptor{LegacyID: "2", TypeID: "rpm"},
		model.LegacyContentDescriptor{LegacyID: "3", TypeID: "iso"},
	)
	inv, err := m.Inventory(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(inv) != 2 || inv[0].TypeID != "iso" || inv[1].Count != 2 {
		t.Errorf("inventory = %+v", inv)
	}
}
