// Package strings provides string normalization helpers.
package strings

import (
	"strings"
	"unicode"
)

// Fold normalizes a human-entered name for comparison: surrounding space is
// dropped, inner runs of whitespace collapse to one space and letters are
// lowercased. Control characters are removed.
//
//	Fold("  Alice \t Smith\n") // "alice smith"
func Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r):
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// DedupeFold removes values that fold to the same name or to nothing. The
// first spelling of each name is kept, in input order.
func DedupeFold(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		key := Fold(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, strings.TrimSpace(v))
	}
	return result
}
