package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnknownType           = errors.New("unknown content type")
	ErrInvalidPluginContract = errors.New("invalid plugin contract")
	ErrDependencyNotMigrated = errors.New("dependency not migrated")
	ErrTransientStore        = errors.New("transient store error")
	ErrConsistency           = errors.New("consistency error")
)

// Kind names an error category as it is reported in run status.
type Kind string

const (
	KindUnknownType           Kind = "UnknownTypeError"
	KindInvalidPluginContract Kind = "InvalidPluginContract"
	KindDependencyNotMigrated Kind = "DependencyNotMigratedError"
	KindTransientStore        Kind = "TransientStoreError"
	KindConsistency           Kind = "ConsistencyError"
	KindInternal              Kind = "InternalError"
)

var kindSentinels = map[Kind]error{
	KindUnknownType:           ErrUnknownType,
	KindInvalidPluginContract: ErrInvalidPluginContract,
	KindDependencyNotMigrated: ErrDependencyNotMigrated,
	KindTransientStore:        ErrTransientStore,
	KindConsistency:           ErrConsistency,
}

// Error carries the error kind together with the identifying keys of the
// item that failed.
type Error struct {
	Kind     Kind
	TypeID   string
	LegacyID string
	RepoID   string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	var keys []string
	if e.TypeID != "" {
		keys = append(keys, "type="+e.TypeID)
	}
	if e.LegacyID != "" {
		keys = append(keys, "legacy_id="+e.LegacyID)
	}
	if e.RepoID != "" {
		keys = append(keys, "repo="+e.RepoID)
	}
	if len(keys) > 0 {
		b.WriteString(" [" + strings.Join(keys, " ") + "]")
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// UnknownType reports a plugin or content type that is not registered.
func UnknownType(typeID string) error {
	return &Error{Kind: KindUnknownType, TypeID: typeID, Msg: "not registered"}
}

// InvalidPluginContract reports a registration that is missing a required part.
func InvalidPluginContract(typeID, format string, args ...any) error {
	return &Error{Kind: KindInvalidPluginContract, TypeID: typeID, Msg: fmt.Sprintf(format, args...)}
}

// DependencyNotMigrated reports a repository rebuild that references
// content without a processed migration record.
func DependencyNotMigrated(repoID string, missing []string) error {
	msg := fmt.Sprintf("%d member(s) not migrated", len(missing))
	if len(missing) > 0 {
		shown := missing
		if len(shown) > 5 {
			shown = shown[:5]
		}
		msg += ": " + strings.Join(shown, ", ")
	}
	return &Error{Kind: KindDependencyNotMigrated, RepoID: repoID, Msg: msg}
}

// RepositoryNotMigrated reports a distribution rebuild for a repository that
// has no migrated version yet.
func RepositoryNotMigrated(repoID string) error {
	return &Error{Kind: KindDependencyNotMigrated, RepoID: repoID, Msg: "repository has no migrated version"}
}

// Transient wraps a store error that is worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientStore) {
		return err
	}
	return &Error{Kind: KindTransientStore, Err: err}
}

// Consistency reports a state that must never be silently resolved.
func Consistency(typeID, legacyID, format string, args ...any) error {
	return &Error{Kind: KindConsistency, TypeID: typeID, LegacyID: legacyID, Msg: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// WithItem annotates err with the identifying keys of the item being processed.
// Keys already present on an *Error are kept.
func WithItem(err error, typeID, legacyID string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.TypeID == "" {
			cp.TypeID = typeID
		}
		if cp.LegacyID == "" {
			cp.LegacyID = legacyID
		}
		return &cp
	}
	return &Error{Kind: KindInternal, TypeID: typeID, LegacyID: legacyID, Err: err}
}
