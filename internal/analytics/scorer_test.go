package analytics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/feedback"
)

func scenarioA() []feedback.Record {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	comments := []int{2, 2, 2, 2, 2, 2, 2, 2, 1, 1, 1, 1} // 20 total
	var recs []feedback.Record
	for i := 0; i < 12; i++ {
		u := feedback.UrgencyCritical
		if i >= 8 {
			u = feedback.UrgencyHigh
		}
		body := fmt.Sprintf("unique report %d", i)
		if i < 3 {
			body = "Water main burst on Elm street"
		}
		recs = append(recs, feedback.Record{
			ID:           fmt.Sprintf("fb-%02d", i),
			Body:         body,
			Urgency:      u,
			Sentiment:    feedback.SentimentNegative,
			CommentCount: comments[i],
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		})
	}
	return recs
}

func TestScore_ScenarioA(t *testing.T) {
	recs := scenarioA()
	stats := Summarize(recs)
	require.Equal(t, 2, stats.Repetition)
	require.Equal(t, 20, stats.Comments)

	p := Score(stats, len(recs))
	assert.Equal(t, 30.0, p.Volume)
	assert.InDelta(t, 26.667, p.Urgency, 0.001)
	assert.Equal(t, 20.0, p.Sentiment)
	assert.Equal(t, 4.0, p.Repetition)
	assert.Equal(t, 10.0, p.Engagement)
	assert.Equal(t, 90, p.Score)
}

func TestScore_EmptySetIsVolumeFloor(t *testing.T) {
	p := Score(Summarize(nil), 0)
	assert.Equal(t, 5, p.Score)
	assert.Zero(t, p.Urgency)
	assert.Zero(t, p.Sentiment)
	assert.Zero(t, p.Repetition)
	assert.Zero(t, p.Engagement)
}

func TestScore_VolumeBands(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 5}, {1, 5}, {2, 10}, {4, 10}, {5, 20}, {9, 20}, {10, 30}, {500, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Score(Stats{}, tt.n).Volume, "n=%d", tt.n)
	}
}

func TestScore_Bounds(t *testing.T) {
	worst := Stats{
		ByUrgency:   map[feedback.Urgency]int{feedback.UrgencyCritical: 1000},
		BySentiment: map[feedback.Sentiment]int{feedback.SentimentNegative: 1000},
		Repetition:  1000,
		Comments:    1000,
	}
	p := Score(worst, 1000)
	assert.Equal(t, 100, p.Score)

	for n := 0; n < 20; n++ {
		s := Score(Stats{
			ByUrgency:   map[feedback.Urgency]int{feedback.UrgencyLow: n},
			BySentiment: map[feedback.Sentiment]int{feedback.SentimentPositive: n, feedback.SentimentNegative: n / 2},
			Repetition:  n,
			Comments:    n * 3,
		}, n).Score
		assert.GreaterOrEqual(t, s, 0)
		assert.LessOrEqual(t, s, 100)
	}
}

func TestScore_SentimentIsNegativeShare(t *testing.T) {
	s := Stats{BySentiment: map[feedback.Sentiment]int{
		feedback.SentimentNegative: 1,
		feedback.SentimentPositive: 3,
	}}
	// 25% negative -> 5 points
	assert.Equal(t, 5.0, Score(s, 4).Sentiment)
}

func TestScore_EngagementHalves(t *testing.T) {
	assert.Equal(t, 2.5, Score(Stats{Comments: 5}, 1).Engagement)
	assert.Equal(t, 10.0, Score(Stats{Comments: 50}, 1).Engagement)
}

func TestRecommendDepartment(t *testing.T) {
	t.Run("most frequent", func(t *testing.T) {
		recs := []feedback.Record{
			{Department: "Public Works"},
			{Department: "Water Utility"},
			{Department: "Water Utility"},
		}
		assert.Equal(t, "Water Utility", RecommendDepartment(recs, feedback.CategoryRoads))
	})
	t.Run("tie goes to first encountered", func(t *testing.T) {
		recs := []feedback.Record{
			{Department: "Parks and Recreation"},
			{Department: "Public Works"},
			{Department: "Public Works"},
			{Department: "Parks and Recreation"},
		}
		assert.Equal(t, "Parks and Recreation", RecommendDepartment(recs, feedback.CategoryUnknown))
	})
	t.Run("category default", func(t *testing.T) {
		recs := []feedback.Record{{ID: "x"}}
		assert.Equal(t, "Public Works", RecommendDepartment(recs, feedback.CategoryRoads))
	})
	t.Run("unknown category", func(t *testing.T) {
		assert.Equal(t, feedback.FallbackDepartment, RecommendDepartment(nil, feedback.CategoryUnknown))
	})
}
