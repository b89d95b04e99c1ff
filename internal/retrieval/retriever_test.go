package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/feedback"
)

func TestRetrieve_OrdersByUrgencyThenRecency(t *testing.T) {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := StoreFunc(func(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
		// deliberately unordered
		return []feedback.Record{
			{ID: "a", Urgency: feedback.UrgencyLow, CreatedAt: base.Add(5 * time.Hour)},
			{ID: "b"},
			{ID: "c", Urgency: feedback.UrgencyCritical, CreatedAt: base},
			{ID: "d", Urgency: feedback.UrgencyCritical, CreatedAt: base.Add(time.Hour)},
			{ID: "e", Urgency: feedback.UrgencyMedium, CreatedAt: base},
		}, nil
	})

	got, err := NewRetriever(store, 0, nil).Retrieve(context.Background(), nil, feedback.Filters{}, 0)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"d", "c", "e", "a", "b"}, ids)

	for i := 1; i < len(got); i++ {
		a, b := got[i-1], got[i]
		ra, rb := feedback.UrgencyRank(a.Urgency), feedback.UrgencyRank(b.Urgency)
		assert.True(t, ra < rb || (ra == rb && !a.CreatedAt.Before(b.CreatedAt)),
			"pair %s,%s out of order", a.ID, b.ID)
	}
}

func TestRetrieve_DefaultLimitAndNormalizedFilters(t *testing.T) {
	var seen feedback.Query
	store := StoreFunc(func(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
		seen = q
		return nil, nil
	})

	_, err := NewRetriever(store, 0, nil).Retrieve(context.Background(), []string{"potholes"},
		feedback.Filters{Location: " Downtown "}, 0)
	require.NoError(t, err)

	assert.Equal(t, feedback.DefaultLimit, seen.Limit)
	assert.Equal(t, "downtown", seen.Filters.Location)
	assert.Equal(t, []string{"potholes"}, seen.Keywords)
}

func TestRetrieve_EmptyKeywordsIsUnfiltered(t *testing.T) {
	var seen feedback.Query
	store := StoreFunc(func(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
		seen = q
		return []feedback.Record{{ID: "x"}}, nil
	})

	got, err := NewRetriever(store, 10, nil).Retrieve(context.Background(), []string{}, feedback.Filters{}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Empty(t, seen.Keywords)
	assert.Equal(t, 10, seen.Limit)
}

func TestRetrieve_CapsToLimit(t *testing.T) {
	store := StoreFunc(func(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
		out := make([]feedback.Record, 8)
		for i := range out {
			out[i] = feedback.Record{ID: string(rune('a' + i))}
		}
		return out, nil
	})
	got, err := NewRetriever(store, 0, nil).Retrieve(context.Background(), nil, feedback.Filters{}, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRetrieve_StoreFailurePropagates(t *testing.T) {
	boom := errors.New("database is locked")
	store := StoreFunc(func(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
		return nil, boom
	})

	got, err := NewRetriever(store, 0, nil).Retrieve(context.Background(), []string{"water"}, feedback.Filters{}, 0)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrRetrieval)
	assert.ErrorIs(t, err, boom)
}
