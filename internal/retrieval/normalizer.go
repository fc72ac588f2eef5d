package retrieval

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidInput is returned when Normalize is given non-UTF-8 input.
var ErrInvalidInput = fmt.Errorf("retrieval: input is not valid UTF-8")

// Normalize canonicalizes a query string: it collapses whitespace runs to a
// single space, trims, lowercases, strips trailing punctuation, and removes
// surrounding quotes. It does not touch interior punctuation or stopwords,
// and applies no Unicode normalization form (NFC or other).
//
// Two strings that differ only in casing, spacing, or trailing punctuation
// normalize equal, and Normalize is idempotent: Normalize(Normalize(x)) ==
// Normalize(x) for all x.
func Normalize(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", ErrInvalidInput
	}

	collapsed := collapseWhitespace(s)
	trimmed := strings.TrimSpace(collapsed)
	out := strings.ToLower(trimmed)
	// Removing quotes can expose more trailing punctuation (and the reverse),
	// so both steps repeat until neither changes the string.
	for {
		stripped := strings.TrimSpace(strings.TrimRight(out, "?!.,;"))
		next := stripQuotes(stripped)
		if next == out {
			return out, nil
		}
		out = next
	}
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

func stripQuotes(s string) string {
	for {
		trimmed := strings.TrimSpace(s)
		if len(trimmed) < 2 {
			return trimmed
		}
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		isQuotePair := (first == '"' && last == '"') || (first == '\'' && last == '\'')
		if !isQuotePair {
			return trimmed
		}
		s = trimmed[1 : len(trimmed)-1]
	}
}

// Tokens splits a normalized query into whitespace-separated tokens, used by
// the Classifier's length scoring and the Conversation Memory's follow-up
// detection.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}
