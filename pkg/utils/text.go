package utils

import (
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// Normalize lowercases and trims s and collapses inner whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		out[tok] = struct{}{}
	}
	return out
}

// UniqueTokens returns distinct tokens in first-seen order, at most max (0 means all).
func UniqueTokens(text string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range Tokenize(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|, 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Clamp01 limits f to [0,1]. NaN maps to 0.
func Clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
