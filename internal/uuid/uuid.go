// Package uuid wraps github.com/google/uuid so callers only see strings.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID in canonical string form. Token IDs and
// test namespaces use it.
func New() string {
	return uuid.NewString()
}

// Prefixed returns prefix, a dash and a fresh UUID, e.g. "demo-1b4e...".
// Synthetic user IDs carry their origin this way.
func Prefixed(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
