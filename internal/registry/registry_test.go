package registry

import (
	"errors"
	"testing"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

func testType(id string) ContentType {
	return ContentType{
		ID:          id,
		Destination: DestinationSchema{Type: "test." + id, NaturalKeyFields: []string{"name"}},
		NaturalKey: func(d model.LegacyContentDescriptor) (model.NaturalKey, error) {
			return model.KeyFromFields(d, "name")
		},
		Transform: func(d model.LegacyContentDescriptor) (model.DestinationContent, error) {
			return model.DestinationContent{Fields: d.Fields}, nil
		},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(testType("widget")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ct, err := r.Resolve("widget")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ct.Destination.Type != "test.widget" {
		t.Errorf("destination type = %q", ct.Destination.Type)
	}
	if ct.Legacy.Collection != "units_widget" {
		t.Errorf("default collection = %q", ct.Legacy.Collection)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("nope")
	if !errors.Is(err, apperrors.ErrUnknownType) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if _, err := r.Plugin("nope"); !errors.Is(err, apperrors.ErrUnknownType) {
		t.Fatalf("expected UnknownTypeError for plugin, got %v", err)
	}
}

func TestRegisterRejectsIncompleteContract(t *testing.T) {
	noKey := testType("a")
	noKey.NaturalKey = nil
	noTransform := testType("b")
	noTransform.Transform = nil
	noDest := testType("c")
	noDest.Destination.Type = ""
	noID := testType("")

	for name, ct := range map[string]ContentType{
		"missing natural key": noKey,
		"missing transform":   noTransform,
		"missing destination": noDest,
		"missing id":          noID,
	} {
		t.Run(name, func(t *testing.T) {
			err := New().Register(ct)
			if !errors.Is(err, apperrors.ErrInvalidPluginContract) {
				t.Fatalf("expected InvalidPluginContract, got %v", err)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(testType("dup")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testType("dup")); !errors.Is(err, apperrors.ErrInvalidPluginContract) {
		t.Fatalf("expected duplicate registration to fail, got %v", err)
	}
}

func TestRegisterPluginIsAtomic(t *testing.T) {
	r := New()
	bad := testType("broken")
	bad.Transform = nil

	err := r.RegisterPlugin(Plugin{
		Name:         "mixed",
		ContentTypes: []ContentType{testType("good"), bad},
	})
	if !errors.Is(err, apperrors.ErrInvalidPluginContract) {
		t.Fatalf("expected InvalidPluginContract, got %v", err)
	}
	if _, err := r.Resolve("good"); err == nil {
		t.Error("no type should be registered when the plugin is rejected")
	}
	if _, err := r.Plugin("mixed"); err == nil {
		t.Error("plugin should not be registered")
	}
}

func TestRegisterPlugin(t *testing.T) {
	r := New()
	err := r.RegisterPlugin(Plugin{
		Name:           "things",
		RepositoryType: "things-repo",
		ContentTypes:   []ContentType{testType("thing"), testType("gadget")},
	})
	if err != nil {
		t.Fatalf("RegisterPlugin: %v", err)
	}

	ct, err := r.Resolve("gadget")
	if err != nil {
		t.Fatal(err)
	}
	if ct.Plugin != "things" {
		t.Errorf("plugin name not stamped on type: %q", ct.Plugin)
	}

	p, err := r.PluginForRepositoryType("things-repo")
	if err != nil {
		t.Fatal(err)
	}
	ids := p.TypeIDs()
	if len(ids) != 2 || ids[0] != "thing" || ids[1] != "gadget" {
		t.Errorf("TypeIDs = %v", ids)
	}

	if err := r.RegisterPlugin(Plugin{Name: "things", ContentTypes: []ContentType{testType("other")}}); err == nil {
		t.Error("expected duplicate plugin to be rejected")
	}
	if got := r.TypeIDs(); len(got) != 2 || got[0] != "gadget" {
		t.Errorf("TypeIDs sorted = %v", got)
	}
}

func TestRegisterPluginRejectsRepeatedType(t *testing.T) {
	err := New().RegisterPlugin(Plugin{
		Name:         "p",
		ContentTypes: []ContentType{testType("x"), testType("x")},
	})
	if !errors.Is(err, apperrors.ErrInvalidPluginContract) {
		t.Fatalf("expected InvalidPluginContract, got %v", err)
	}
}
