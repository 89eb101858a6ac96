package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsSentinel(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
		kind     Kind
	}{
		{UnknownType("iso"), ErrUnknownType, KindUnknownType},
		{InvalidPluginContract("iso", "missing %s", "transform"), ErrInvalidPluginContract, KindInvalidPluginContract},
		{DependencyNotMigrated("repo1", []string{"a"}), ErrDependencyNotMigrated, KindDependencyNotMigrated},
		{Transient(errors.New("conn reset")), ErrTransientStore, KindTransientStore},
		{Consistency("iso", "u1", "two matches"), ErrConsistency, KindConsistency},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("%v: expected errors.Is %v", tt.err, tt.sentinel)
		}
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if KindOf(wrapped) != tt.kind {
			t.Errorf("KindOf(%v) = %s, want %s", wrapped, KindOf(wrapped), tt.kind)
		}
	}
}

func TestTransientIsNotDoubleWrapped(t *testing.T) {
	first := Transient(errors.New("timeout"))
	second := Transient(first)
	if first != second {
		t.Error("expected already-transient error to be returned as is")
	}
	if Transient(nil) != nil {
		t.Error("expected nil for nil error")
	}
	if !IsTransient(fmt.Errorf("ctx: %w", first)) {
		t.Error("expected wrapped transient to be detected")
	}
}

func TestDependencyNotMigratedTruncatesList(t *testing.T) {
	missing := []string{"a", "b", "c", "d", "e", "f", "g"}
	err := DependencyNotMigrated("r1", missing)
	msg := err.Error()
	if !strings.Contains(msg, "7 member(s)") {
		t.Errorf("message should count all members: %s", msg)
	}
	if strings.Contains(msg, ", f") {
		t.Errorf("message should list at most five members: %s", msg)
	}
	if !strings.Contains(msg, "repo=r1") {
		t.Errorf("message should carry repo id: %s", msg)
	}
}

func TestWithItem(t *testing.T) {
	err := WithItem(Transient(errors.New("boom")), "rpm", "abc")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.TypeID != "rpm" || e.LegacyID != "abc" {
		t.Errorf("keys not applied: %+v", e)
	}
	if !IsTransient(err) {
		t.Error("kind should be preserved")
	}

	plain := WithItem(errors.New("plain"), "iso", "x")
	if KindOf(plain) != KindInternal {
		t.Errorf("expected internal kind, got %s", KindOf(plain))
	}
	if WithItem(nil, "iso", "x") != nil {
		t.Error("nil stays nil")
	}
}
