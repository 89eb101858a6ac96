package model

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// NaturalKey is the ordered tuple of content-defining attributes used to
// decide equivalence. Two keys match only when every field is equal.
type NaturalKey []string

// String returns the canonical encoding stored in the destination's unique index.
func (k NaturalKey) String() string {
	data, err := json.Marshal([]string(k))
	if err != nil {
		// []string always marshals
		panic(err)
	}
	return string(data)
}

// Equal reports exact field-by-field equality.
func (k NaturalKey) Equal(other NaturalKey) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseNaturalKey decodes the canonical encoding produced by String.
func ParseNaturalKey(s string) (NaturalKey, error) {
	var fields []string
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, fmt.Errorf("parsing natural key %q: %w", s, err)
	}
	return NaturalKey(fields), nil
}

// KeyFromFields extracts the named fields from a descriptor, in order.
// Values must be valid UTF-8: the canonical encoding would otherwise
// replace the invalid bytes and merge distinct keys.
func KeyFromFields(d LegacyContentDescriptor, names ...string) (NaturalKey, error) {
	key := make(NaturalKey, 0, len(names))
	for _, n := range names {
		v, err := d.FieldString(n)
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(v) {
			return nil, fmt.Errorf("field %q of %s unit %s is not valid UTF-8", n, d.TypeID, d.LegacyID)
		}
		key = append(key, v)
	}
	return key, nil
}
