package security

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/value"
)

// maxRedactPasses bounds the fixed-point loop in RedactString.
const maxRedactPasses = 8

// Match is one detected PII span. It never carries the matched text.
type Match struct {
	Type  string
	Start int
	End   int
}

// Sanitizer replaces PII and secrets with typed placeholders.
type Sanitizer struct {
	patterns []pattern
	types    []string
}

// NewSanitizer enables the named categories or individual types. An empty
// list enables every built-in pattern.
func NewSanitizer(enabled []string) (*Sanitizer, error) {
	if len(enabled) == 0 {
		return newSanitizer(builtinPatterns), nil
	}
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !knownPatternName(name) {
			return nil, fmt.Errorf("unknown sanitizer pattern %q", name)
		}
		want[strings.ToLower(name)] = true
	}
	var selected []pattern
	for _, p := range builtinPatterns {
		if want[p.category] || want[strings.ToLower(p.typ)] {
			selected = append(selected, p)
		}
	}
	return newSanitizer(selected), nil
}

// DefaultSanitizer enables every built-in pattern.
func DefaultSanitizer() *Sanitizer {
	return newSanitizer(builtinPatterns)
}

func newSanitizer(patterns []pattern) *Sanitizer {
	seen := make(map[string]bool)
	var types []string
	for _, p := range patterns {
		if !seen[p.typ] {
			seen[p.typ] = true
			types = append(types, p.typ)
		}
	}
	sort.Strings(types)
	return &Sanitizer{patterns: patterns, types: types}
}

func knownPatternName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range builtinPatterns {
		if p.category == lower || strings.ToLower(p.typ) == lower {
			return true
		}
	}
	return false
}

// Types lists the enabled PII types.
func (s *Sanitizer) Types() []string {
	return append([]string(nil), s.types...)
}

// RedactString applies every enabled pattern in order until the text stops
// changing, so redacting an already redacted string is a no-op.
func (s *Sanitizer) RedactString(in string) string {
	out := in
	for pass := 0; pass < maxRedactPasses; pass++ {
		next := out
		for _, p := range s.patterns {
			next = p.replace(next)
		}
		if next == out {
			break
		}
		out = next
	}
	return out
}

// Redact rewrites every string leaf of v. Map keys, numbers, booleans and
// nulls are left untouched.
func (s *Sanitizer) Redact(v value.Value) value.Value {
	return v.MapStrings(s.RedactString)
}

// RedactMap is Redact for a property map.
func (s *Sanitizer) RedactMap(m value.Map) value.Map {
	return m.MapStrings(s.RedactString)
}

// Scan reports PII spans without modifying the input. Spans claimed by an
// earlier pattern are not reported again.
func (s *Sanitizer) Scan(in string) []Match {
	var matches []Match
	for _, p := range s.patterns {
		for _, sp := range p.find(in) {
			if overlaps(matches, sp[0], sp[1]) {
				continue
			}
			matches = append(matches, Match{Type: p.typ, Start: sp[0], End: sp[1]})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

func overlaps(existing []Match, start, end int) bool {
	for _, m := range existing {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}
