// Package normalize matches raw receipt item names against the master
// product catalog. Matching runs as a cascade of increasingly fuzzy
// stages, from an exact lookup down to TF-IDF similarity, and each
// stage tags its result with a method and a confidence.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldAccents strips combining marks so "Marché" and "Marche" compare
// equal. Receipt OCR drops accents unpredictably.
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Clean produces the canonical lookup key for a raw item name:
// lowercase, accent-folded, punctuation stripped, whitespace collapsed.
// Cleaning is deterministic, so the same raw name always yields the
// same key.
func Clean(s string) string {
	s = strings.ToLower(FoldAccents(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Words that carry no product identity on a receipt line.
var noiseWords = map[string]bool{
	"de": true, "du": true, "des": true, "le": true, "la": true,
	"les": true, "un": true, "une": true, "et": true, "au": true,
	"aux": true, "the": true, "of": true, "and": true, "a": true,
	"kg": true, "g": true, "gr": true, "l": true, "ml": true,
	"cl": true, "pcs": true, "pc": true, "x": true,
}

// Tokens splits a cleaned string into comparison tokens, dropping noise
// words and bare numbers. Falls back to the raw fields when stripping
// would leave nothing.
func Tokens(s string) []string {
	fields := strings.Fields(Clean(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if noiseWords[f] || isNumeric(f) {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return fields
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}
