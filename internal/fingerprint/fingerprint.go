// Package fingerprint derives stable grouping keys from report text.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the normalized content of a report body.
// Two bodies with the same fingerprint are treated as the same issue.
type Fingerprint uint64

// String renders the fingerprint as fixed-width hex.
func (f Fingerprint) String() string {
	s := strconv.FormatUint(uint64(f), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// Normalize trims surrounding whitespace and lowercases text.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Of returns the fingerprint of text. The empty string has its own fingerprint.
func Of(text string) Fingerprint {
	return Fingerprint(xxhash.Sum64String(Normalize(text)))
}

// Query returns a cache key for a user question. Textually identical
// questions (after normalization) share a key.
func Query(text string) string {
	return "q:" + Of(text).String()
}

// Count groups bodies by fingerprint and returns the repetition total:
// for every fingerprint seen more than once, count-1 is added.
func Count(bodies []string) int {
	seen := make(map[Fingerprint]int, len(bodies))
	for _, b := range bodies {
		seen[Of(b)]++
	}
	total := 0
	for _, n := range seen {
		if n > 1 {
			total += n - 1
		}
	}
	return total
}
