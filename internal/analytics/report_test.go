package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/feedback"
)

type fakeCandidates struct {
	records []feedback.Record
	err     error
	filters feedback.Filters
}

func (f *fakeCandidates) Retrieve(ctx context.Context, keywords []string, filters feedback.Filters, limit int) ([]feedback.Record, error) {
	f.filters = filters
	return f.records, f.err
}

func TestReporter_Build(t *testing.T) {
	fc := &fakeCandidates{records: append(scenarioA(),
		feedback.Record{ID: "p1", Title: "Playground swing broken", Urgency: feedback.UrgencyLow},
		feedback.Record{ID: "u1", Body: "nothing specific"},
	)}
	for i := range fc.records[:12] {
		fc.records[i].IssueCategory = feedback.CategoryWater
	}

	var steps []int
	progress := func(ctx context.Context, pct int, msg string) error {
		steps = append(steps, pct)
		return nil
	}

	since := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rep, err := NewReporter(fc, nil).Build(context.Background(), since, progress)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 40, 70, 100}, steps)
	assert.Equal(t, since, fc.filters.Since)
	assert.Equal(t, 14, rep.Total)
	require.Len(t, rep.Topics, 3)

	top := rep.Topics[0]
	assert.Equal(t, feedback.CategoryWater, top.Category)
	assert.Equal(t, 90, top.Priority.Score)
	assert.Equal(t, "Water Utility", top.Department)

	assert.Equal(t, feedback.CategoryParks, rep.Topics[1].Category)
	assert.Equal(t, "Parks and Recreation", rep.Topics[1].Department)
	assert.Equal(t, feedback.CategoryUnknown, rep.Topics[2].Category)
	assert.Equal(t, feedback.FallbackDepartment, rep.Topics[2].Department)
}

func TestReporter_RetrievalFailure(t *testing.T) {
	boom := errors.New("store down")
	var steps []int
	_, err := NewReporter(&fakeCandidates{err: boom}, nil).Build(context.Background(), time.Time{},
		func(ctx context.Context, pct int, msg string) error {
			steps = append(steps, pct)
			return nil
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{10}, steps)
}

func TestSortTopics_TieBreaks(t *testing.T) {
	topics := []Topic{
		{Category: "water", Count: 2, Priority: Priority{Score: 40}},
		{Category: "roads", Count: 2, Priority: Priority{Score: 40}},
		{Category: "parks", Count: 5, Priority: Priority{Score: 40}},
		{Category: "safety", Count: 1, Priority: Priority{Score: 70}},
	}
	SortTopics(topics)

	var got []feedback.IssueCategory
	for _, tp := range topics {
		got = append(got, tp.Category)
	}
	assert.Equal(t, []feedback.IssueCategory{"safety", "parks", "roads", "water"}, got)
}
