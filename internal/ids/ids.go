// Package ids generates and validates session identifiers.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const sessionPrefix = "sess_"

// NewSessionID returns a new opaque session identifier of the form
// "sess_<8 hex chars>", matching the convention used across the create
// path this module is grounded on.
func NewSessionID() string {
	return sessionPrefix + uuid.New().String()[:8]
}

// Valid reports whether id looks like a session identifier this module
// would have generated.
func Valid(id string) bool {
	suffix, ok := strings.CutPrefix(id, sessionPrefix)
	if !ok || len(suffix) != 8 {
		return false
	}
	for _, c := range suffix {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
