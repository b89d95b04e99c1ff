package feedback

import (
	"strings"
	"time"
)

// Sentiment is the enrichment label for the tone of a report.
type Sentiment string

const (
	SentimentUnset    Sentiment = ""
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the known labels. The unset value is not valid.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return true
	}
	return false
}

// Urgency is the enrichment label for how quickly a report needs action.
type Urgency string

const (
	UrgencyUnset    Urgency = ""
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Valid reports whether u is one of the known labels. The unset value is not valid.
func (u Urgency) Valid() bool {
	return UrgencyRank(u) < unsetRank
}

const unsetRank = 5

// UrgencyRank returns the sort rank of u (lower = more urgent).
// Unset and unknown values sort last.
func UrgencyRank(u Urgency) int {
	switch u {
	case UrgencyCritical:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 3
	case UrgencyLow:
		return 4
	default:
		return unsetRank
	}
}

// Record is a single citizen report plus its enrichment fields.
type Record struct {
	ID            string
	Title         string
	Body          string
	Sentiment     Sentiment
	Urgency       Urgency
	Department    string
	Tags          []string
	Location      string
	IssueCategory IssueCategory
	CommentCount  int
	CreatedAt     time.Time
	AnalyzedAt    *time.Time
}

// Analyzed reports whether the record has been through an enrichment pass.
func (r Record) Analyzed() bool {
	return r.AnalyzedAt != nil
}

// Analysis is a partial enrichment update. Nil fields are left untouched.
type Analysis struct {
	Sentiment  *Sentiment
	Urgency    *Urgency
	Department *string
	Tags       []string
}

// Empty reports whether the update carries no fields.
func (a Analysis) Empty() bool {
	return a.Sentiment == nil && a.Urgency == nil && a.Department == nil && a.Tags == nil
}

// Filters narrows a retrieval. Zero values mean "no filter".
type Filters struct {
	Location      string
	IssueCategory string
	Since         time.Time
	// UrgentFirst is informational: results are always ordered most urgent
	// first, then newest. It records that the query asked for it.
	UrgentFirst bool
}

// IsZero reports whether no filter is set.
func (f Filters) IsZero() bool {
	return f.Location == "" && f.IssueCategory == "" && f.Since.IsZero()
}

// Normalized returns a copy with trimmed, lowercased text filters.
func (f Filters) Normalized() Filters {
	f.Location = strings.ToLower(strings.TrimSpace(f.Location))
	f.IssueCategory = strings.ToLower(strings.TrimSpace(f.IssueCategory))
	return f
}

// Less reports whether a sorts before b in a candidate set:
// urgency rank ascending, then created_at descending.
func Less(a, b Record) bool {
	ra, rb := UrgencyRank(a.Urgency), UrgencyRank(b.Urgency)
	if ra != rb {
		return ra < rb
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// DefaultLimit caps a retrieval when the caller passes no limit.
const DefaultLimit = 50

// Query is the store read request behind a candidate set.
type Query struct {
	Keywords []string
	Filters  Filters
	Limit    int
}
