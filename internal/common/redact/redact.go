// Package redact masks secret-bearing substrings in log output. Patterns
// are regular expressions; every match is replaced with a fixed mask.
package redact

import (
	"os"
	"regexp"
	"strings"
)

// Mask replaces every pattern match.
const Mask = "[REDACTED]"

// Redactor applies a set of compiled patterns. A nil or empty Redactor is
// inactive and passes text through unchanged.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles patterns into a redactor. Patterns that do not compile are
// skipped; the redactor works with whatever remains.
func New(patterns ...string) *Redactor {
	r := &Redactor{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// FromEnv builds a redactor from a comma-separated pattern list in the
// named environment variable.
func FromEnv(envVar string) *Redactor {
	raw := os.Getenv(envVar)
	if raw == "" {
		return &Redactor{}
	}
	return New(strings.Split(raw, ",")...)
}

// Active reports whether any pattern is loaded.
func (r *Redactor) Active() bool {
	return r != nil && len(r.patterns) > 0
}

// Apply masks every pattern match in s.
func (r *Redactor) Apply(s string) string {
	if !r.Active() {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, Mask)
	}
	return s
}
