package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/feedback"
)

// ErrRetrieval marks a failure to read the candidate set from the store.
// Callers must surface it rather than treat it as an empty result.
var ErrRetrieval = errors.New("feedback retrieval failed")

// Retriever fetches bounded, ordered candidate sets of feedback records.
type Retriever struct {
	store  FeedbackStore
	limit  int
	logger *zap.Logger
}

// NewRetriever creates a Retriever. A non-positive defaultLimit falls back to
// feedback.DefaultLimit.
func NewRetriever(store FeedbackStore, defaultLimit int, logger *zap.Logger) *Retriever {
	if defaultLimit <= 0 {
		defaultLimit = feedback.DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{store: store, limit: defaultLimit, logger: logger}
}

// Retrieve returns records matching at least one keyword (in title, body,
// department or location) and the filters. No keywords means no keyword
// constraint. Results are ordered by urgency rank, then newest first.
func (r *Retriever) Retrieve(ctx context.Context, keywords []string, filters feedback.Filters, limit int) ([]feedback.Record, error) {
	if limit <= 0 {
		limit = r.limit
	}
	q := feedback.Query{
		Keywords: keywords,
		Filters:  filters.Normalized(),
		Limit:    limit,
	}

	records, err := r.store.FindRelevant(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	// The store already orders rows; re-sort stably so the contract holds
	// for any backend.
	sort.SliceStable(records, func(i, j int) bool {
		return feedback.Less(records[i], records[j])
	})
	if len(records) > limit {
		records = records[:limit]
	}

	r.logger.Debug("retrieved candidates",
		zap.Strings("keywords", keywords),
		zap.Int("count", len(records)),
		zap.Int("limit", limit),
	)
	return records, nil
}
