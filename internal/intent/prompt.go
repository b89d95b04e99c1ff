package intent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/pulse/internal/feedback"
)

// The patterns below are a best-effort heuristic. A query they don't
// understand simply produces no filter.
var (
	locationRe = regexp.MustCompile(`(?i)\b(?:in|at|near|around)\s+([a-z][a-z0-9'\-]*(?:\s+(?:street|st|road|rd|avenue|ave|park|district|ward|square))?)`)
	lastNRe    = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d{1,3})\s+(day|days|week|weeks|month|months)\b`)
	urgentRe   = regexp.MustCompile(`(?i)\b(?:urgent|critical|emergency|asap|priority)\b`)
)

// words that look like a location after "in" but are really time or filler.
var notLocations = map[string]struct{}{
	"the": {}, "last": {}, "past": {}, "this": {}, "general": {}, "total": {}, "detail": {},
	"order": {}, "progress": {}, "summary": {}, "short": {},
}

// ParseFilters extracts location, issue category, time window and urgency
// preference from a free-text query. now anchors relative time expressions.
func ParseFilters(text string, now time.Time) feedback.Filters {
	var f feedback.Filters

	if m := locationRe.FindStringSubmatch(text); m != nil {
		loc := strings.ToLower(strings.TrimSpace(m[1]))
		if _, skip := notLocations[strings.Fields(loc)[0]]; !skip {
			f.Location = loc
		}
	}

	for _, w := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
		if c, ok := feedback.CategoryForTerm(w); ok {
			f.IssueCategory = string(c)
			break
		}
	}

	f.Since = parseSince(strings.ToLower(text), now)
	f.UrgentFirst = urgentRe.MatchString(text)
	return f
}

func parseSince(text string, now time.Time) time.Time {
	if m := lastNRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			switch {
			case strings.HasPrefix(m[2], "day"):
				return now.AddDate(0, 0, -n)
			case strings.HasPrefix(m[2], "week"):
				return now.AddDate(0, 0, -7*n)
			default:
				return now.AddDate(0, -n, 0)
			}
		}
	}

	switch {
	case strings.Contains(text, "today"):
		return startOfDay(now)
	case strings.Contains(text, "yesterday"):
		return startOfDay(now).AddDate(0, 0, -1)
	case strings.Contains(text, "this week"), strings.Contains(text, "last week"), strings.Contains(text, "past week"):
		return now.AddDate(0, 0, -7)
	case strings.Contains(text, "this month"), strings.Contains(text, "last month"), strings.Contains(text, "past month"):
		return now.AddDate(0, -1, 0)
	case strings.Contains(text, "this year"), strings.Contains(text, "last year"), strings.Contains(text, "past year"):
		return now.AddDate(-1, 0, 0)
	}
	return time.Time{}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func isSeparator(r rune) bool {
	return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
}
