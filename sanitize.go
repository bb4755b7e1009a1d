package parley

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans untrusted notification content. Subjects are always
// sanitized; bodies are sanitized per delivery via the Sanitize send
// option (default on).
type Sanitizer interface {
	Sanitize(s string) string
}

// SanitizerFunc adapts a function to the Sanitizer interface.
type SanitizerFunc func(s string) string

// Sanitize implements Sanitizer.
func (f SanitizerFunc) Sanitize(s string) string { return f(s) }

// strictSanitizer strips all HTML markup.
type strictSanitizer struct {
	policy *bluemonday.Policy
}

// NewStrictSanitizer returns the default sanitizer, which strips all
// HTML elements and attributes from content.
func NewStrictSanitizer() Sanitizer {
	return &strictSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize implements Sanitizer.
func (s *strictSanitizer) Sanitize(in string) string {
	return s.policy.Sanitize(in)
}

// NewUGCSanitizer returns a sanitizer that allows a conservative set of
// formatting elements suitable for user generated content (bold,
// italics, links, lists) while stripping scripts and active content.
func NewUGCSanitizer() Sanitizer {
	return &strictSanitizer{policy: bluemonday.UGCPolicy()}
}
