// Package session binds a project to its conversation, transport, generation
// controller, and suggestion engine, and exposes the operations the
// presentation layer calls.
package session

import (
	"strings"
	"unicode"

	"github.com/oklog/ulid/v2"
)

const maxSlugLen = 24

// GenerateID returns a session identifier of the form <slug>-<ulid>, where
// the slug is derived from the project name. Used for log file naming and
// event correlation.
func GenerateID(projectName string) string {
	slug := slugify(projectName)
	if slug == "" {
		slug = "session"
	}
	return slug + "-" + strings.ToLower(ulid.Make().String())
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
