package retrieval

import (
	"context"

	"github.com/kalambet/pulse/internal/feedback"
)

// FeedbackStore is the read capability the retriever needs from the durable store.
// Implementations must return records ordered most urgent first, then newest,
// and must honour q.Limit.
type FeedbackStore interface {
	FindRelevant(ctx context.Context, q feedback.Query) ([]feedback.Record, error)
}

// StoreFunc adapts a function to FeedbackStore.
type StoreFunc func(ctx context.Context, q feedback.Query) ([]feedback.Record, error)

func (f StoreFunc) FindRelevant(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
	return f(ctx, q)
}
