package intent

import (
	"strings"
	"unicode"
)

// minKeywordLen is the shortest token kept as a keyword.
const minKeywordLen = 4

var stopWords = map[string]struct{}{
	// articles and determiners
	"the": {}, "this": {}, "that": {}, "these": {}, "those": {}, "some": {}, "any": {}, "every": {},
	// auxiliaries
	"have": {}, "been": {}, "were": {}, "being": {}, "does": {}, "would": {}, "could": {},
	"should": {}, "will": {}, "shall": {}, "might": {}, "must": {},
	// interrogatives
	"what": {}, "when": {}, "where": {}, "which": {}, "whom": {}, "whose": {}, "why": {}, "how": {},
	// request verbs
	"show": {}, "tell": {}, "give": {}, "list": {}, "find": {}, "display": {}, "about": {},
	"please": {}, "there": {}, "their": {}, "with": {}, "from": {}, "into": {}, "much": {}, "many": {},
	// temporal fillers
	"latest": {}, "recent": {}, "recently": {}, "newest": {}, "oldest": {}, "today": {}, "yesterday": {},
	"week": {}, "month": {}, "year": {}, "last": {}, "past": {},
	// query vocabulary
	"feedback": {}, "reports": {}, "report": {}, "issues": {}, "issue": {}, "complaints": {},
	"complaint": {}, "citizens": {}, "people": {},
}

// ExtractKeywords splits text on word boundaries and returns the lowercased
// terms worth searching for, in first-seen order without duplicates.
// Empty or non-alphabetic input yields an empty slice.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	keywords := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minKeywordLen {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}
