// Package sanitize strips HTML/script content from free-text fields that
// originate from an agent or a user before they are persisted into audit
// entries or surfaced in reports, using the same bluemonday policy the
// teacher applies to user-supplied text.
package sanitize

import "github.com/microcosm-cc/bluemonday"

// Sanitizer wraps a strict bluemonday policy: it strips all markup and
// leaves only plain text, appropriate for fields like hostname or
// hardwareModel that should never legitimately contain HTML.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New constructs a Sanitizer using bluemonday's strict policy.
func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text sanitizes a single free-text field.
func (s *Sanitizer) Text(in string) string {
	return s.policy.Sanitize(in)
}
