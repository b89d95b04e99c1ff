package analytics

import (
	"math"

	"github.com/kalambet/pulse/internal/feedback"
)

// Contribution caps.
const (
	maxVolume     = 30
	maxUrgency    = 30
	maxSentiment  = 20
	maxRepetition = 10
	maxEngagement = 10
	maxScore      = 100
)

var urgencyWeights = map[feedback.Urgency]float64{
	feedback.UrgencyCritical: 30,
	feedback.UrgencyHigh:     20,
	feedback.UrgencyMedium:   10,
	feedback.UrgencyLow:      5,
}

// Priority is a composite 0-100 score plus the capped contributions it was
// built from.
type Priority struct {
	Score      int     `json:"score"`
	Volume     float64 `json:"volume"`
	Urgency    float64 `json:"urgency"`
	Sentiment  float64 `json:"sentiment"`
	Repetition float64 `json:"repetition"`
	Engagement float64 `json:"engagement"`
}

type factor func(s Stats, n int) float64

// Score computes the composite priority of a candidate set of size n.
// The sum is floored and clamped to [0, 100].
func Score(s Stats, n int) Priority {
	var p Priority
	factors := []struct {
		dst *float64
		fn  factor
	}{
		{&p.Volume, volumeScore},
		{&p.Urgency, urgencyScore},
		{&p.Sentiment, sentimentScore},
		{&p.Repetition, repetitionScore},
		{&p.Engagement, engagementScore},
	}

	var sum float64
	for _, f := range factors {
		v := f.fn(s, n)
		*f.dst = v
		sum += v
	}

	score := int(math.Floor(sum))
	p.Score = max(0, min(maxScore, score))
	return p
}

func volumeScore(_ Stats, n int) float64 {
	switch {
	case n >= 10:
		return maxVolume
	case n >= 5:
		return 20
	case n >= 2:
		return 10
	default:
		return 5
	}
}

// urgencyScore is the weighted average of urgency labels.
func urgencyScore(s Stats, _ int) float64 {
	tagged := s.UrgencyTagged()
	if tagged == 0 {
		return 0
	}
	var weighted float64
	for u, c := range s.ByUrgency {
		weighted += urgencyWeights[u] * float64(c)
	}
	return math.Min(maxUrgency, weighted/float64(tagged))
}

// sentimentScore uses the share of negative reports, not an average.
func sentimentScore(s Stats, _ int) float64 {
	tagged := s.SentimentTagged()
	if tagged == 0 {
		return 0
	}
	negPct := float64(s.BySentiment[feedback.SentimentNegative]) / float64(tagged) * 100
	return math.Min(maxSentiment, negPct/5)
}

func repetitionScore(s Stats, _ int) float64 {
	return math.Min(maxRepetition, float64(s.Repetition)*2)
}

func engagementScore(s Stats, _ int) float64 {
	return math.Min(maxEngagement, float64(s.Comments)/2)
}

// RecommendDepartment returns the most frequent department tag among records,
// ties going to the one encountered first. Without tags it falls back to the
// default department for category.
func RecommendDepartment(records []feedback.Record, category feedback.IssueCategory) string {
	counts := map[string]int{}
	var order []string
	for _, r := range records {
		if r.Department == "" {
			continue
		}
		if _, ok := counts[r.Department]; !ok {
			order = append(order, r.Department)
		}
		counts[r.Department]++
	}

	best, bestN := "", 0
	for _, d := range order {
		if counts[d] > bestN {
			best, bestN = d, counts[d]
		}
	}
	if best != "" {
		return best
	}
	return feedback.DefaultDepartment(category)
}
