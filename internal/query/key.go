package query

import (
	"net/url"
	"strings"
)

// Key identifies a query entry. Keys with equal parts address the same entry.
type Key struct {
	parts []string
}

// NewKey builds a key from ordered parts, e.g. NewKey("users", ownerID, "collecting").
func NewKey(parts ...string) Key {
	return Key{parts: append([]string(nil), parts...)}
}

// Parts returns a copy of the key parts.
func (k Key) Parts() []string {
	return append([]string(nil), k.parts...)
}

// emptyPart stands in for an empty key part. PathEscape always escapes a
// literal '%', so the marker cannot collide with a real part.
const emptyPart = "%"

// String returns the canonical form used for storage and logging. Distinct keys
// have distinct forms; the zero key is the empty string.
func (k Key) String() string {
	escaped := make([]string, len(k.parts))
	for index, part := range k.parts {
		if part == "" {
			escaped[index] = emptyPart
			continue
		}
		escaped[index] = url.PathEscape(part)
	}
	return strings.Join(escaped, "/")
}

// Equal reports whether both keys have the same parts.
func (k Key) Equal(other Key) bool {
	if len(k.parts) != len(other.parts) {
		return false
	}
	for index := range k.parts {
		if k.parts[index] != other.parts[index] {
			return false
		}
	}
	return true
}

// IsZero reports whether the key has no parts.
func (k Key) IsZero() bool {
	return len(k.parts) == 0
}
