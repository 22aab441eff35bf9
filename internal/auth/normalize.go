// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package auth

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeAnswer canonicalizes a free-text security answer so that case,
// surrounding and repeated whitespace, and diacritics do not affect matching.
func NormalizeAnswer(answer string) string {
	s := strings.ToLower(strings.TrimSpace(answer))
	s = strings.Join(strings.Fields(s), " ")

	// NFKD splits accented letters into base + combining mark; drop the marks.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(t, s)
	if err != nil {
		// The chain only fails on invalid UTF-8 input; fall back to the folded form.
		return s
	}
	return stripped
}
