package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/feedback"
)

// reportLimit bounds how many records a single report reads.
const reportLimit = 5000

// Candidates is the retrieval capability the reporter needs.
type Candidates interface {
	Retrieve(ctx context.Context, keywords []string, filters feedback.Filters, limit int) ([]feedback.Record, error)
}

// ProgressFunc receives a percentage and a human-readable step description.
type ProgressFunc func(ctx context.Context, progress int, message string) error

// Topic is one issue category in a report.
type Topic struct {
	Category   feedback.IssueCategory `json:"category"`
	Count      int                    `json:"count"`
	Priority   Priority               `json:"priority"`
	Department string                 `json:"department"`
	Stats      Stats                  `json:"stats"`
}

// Report ranks issue categories by composite priority.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Since       time.Time `json:"since,omitzero"`
	Total       int       `json:"total"`
	Overall     Stats     `json:"overall"`
	Topics      []Topic   `json:"topics"`
}

// Reporter builds topic reports from the feedback corpus.
type Reporter struct {
	candidates Candidates
	logger     *zap.Logger
	now        func() time.Time
}

// NewReporter creates a Reporter reading through candidates.
func NewReporter(candidates Candidates, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{candidates: candidates, logger: logger, now: time.Now}
}

// Build retrieves all records since the given time (zero for all), groups
// them by issue category and scores each group. progress may be nil.
// Stages run strictly in order; a failure in one aborts the rest.
func (r *Reporter) Build(ctx context.Context, since time.Time, progress ProgressFunc) (Report, error) {
	step := func(pct int, msg string) error {
		if progress == nil {
			return nil
		}
		return progress(ctx, pct, msg)
	}

	if err := step(10, "Retrieving feedback"); err != nil {
		return Report{}, err
	}
	records, err := r.candidates.Retrieve(ctx, nil, feedback.Filters{Since: since}, reportLimit)
	if err != nil {
		return Report{}, fmt.Errorf("retrieving report candidates: %w", err)
	}

	if err := step(40, "Computing statistics"); err != nil {
		return Report{}, err
	}
	groups := map[feedback.IssueCategory][]feedback.Record{}
	for _, rec := range records {
		c := feedback.CategoryOf(rec)
		groups[c] = append(groups[c], rec)
	}

	if err := step(70, "Scoring topics"); err != nil {
		return Report{}, err
	}
	topics := make([]Topic, 0, len(groups))
	for c, recs := range groups {
		stats := Summarize(recs)
		topics = append(topics, Topic{
			Category:   c,
			Count:      len(recs),
			Priority:   Score(stats, len(recs)),
			Department: RecommendDepartment(recs, c),
			Stats:      stats,
		})
	}
	SortTopics(topics)

	report := Report{
		GeneratedAt: r.now().UTC(),
		Since:       since,
		Total:       len(records),
		Overall:     Summarize(records),
		Topics:      topics,
	}
	r.logger.Info("analytics report built", zap.Int("records", len(records)), zap.Int("topics", len(topics)))

	if err := step(100, "Report ready"); err != nil {
		return Report{}, err
	}
	return report, nil
}

// SortTopics orders topics by priority descending, then count descending,
// then category name.
func SortTopics(topics []Topic) {
	sort.SliceStable(topics, func(i, j int) bool {
		a, b := topics[i], topics[j]
		if a.Priority.Score != b.Priority.Score {
			return a.Priority.Score > b.Priority.Score
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
}

// CategoryLabel renders a category for display; the unknown category
// prints as "unknown".
func CategoryLabel(c feedback.IssueCategory) string {
	if c == feedback.CategoryUnknown {
		return "unknown"
	}
	return string(c)
}
