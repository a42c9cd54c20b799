package identifier

import (
	"regexp"

	"github.com/google/uuid"
)

var idPattern = regexp.MustCompile(`^[a-f0-9-]+$`)

// New returns a random (version 4) UUID in canonical lowercase hyphenated form.
// It is safe for concurrent use and takes no locks of its own.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id only contains lowercase hex digits and hyphens.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}
