package fhir

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// accentStripper decomposes to NFKD, drops combining marks, and recomposes.
// "Müller" and "Muller" normalize to the same bytes.
var accentStripper = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeString produces the canonical form used for string-parameter
// matching: lowercased with accents folded away. The same function runs at
// index time (value_string_norm) and at query time on the operand, so the
// two sides always agree.
func NormalizeString(s string) string {
	folded, _, err := transform.String(accentStripper, s)
	if err != nil {
		// Transform only fails on malformed UTF-8; fall back to the input.
		folded = s
	}
	return strings.ToLower(folded)
}
