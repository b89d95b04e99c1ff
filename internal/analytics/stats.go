// Package analytics turns candidate sets into aggregate statistics,
// composite priority scores and topic reports.
package analytics

import (
	"time"

	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/fingerprint"
)

// Stats aggregates a candidate set. Only tagged records contribute to the
// sentiment and urgency buckets.
type Stats struct {
	Total        int                        `json:"total"`
	Analyzed     int                        `json:"analyzed"`
	BySentiment  map[feedback.Sentiment]int `json:"by_sentiment"`
	ByUrgency    map[feedback.Urgency]int   `json:"by_urgency"`
	ByDepartment map[string]int             `json:"by_department"`
	Repetition   int                        `json:"repetition_count"`
	Comments     int                        `json:"comment_count"`
	First        *time.Time                 `json:"first_at,omitempty"`
	Last         *time.Time                 `json:"last_at,omitempty"`
}

// SentimentTagged returns how many records carry a sentiment label.
func (s Stats) SentimentTagged() int {
	n := 0
	for _, c := range s.BySentiment {
		n += c
	}
	return n
}

// UrgencyTagged returns how many records carry an urgency label.
func (s Stats) UrgencyTagged() int {
	n := 0
	for _, c := range s.ByUrgency {
		n += c
	}
	return n
}

// Summarize computes Stats over records. An empty set yields zero counts
// and nil timestamps.
func Summarize(records []feedback.Record) Stats {
	s := Stats{
		Total:        len(records),
		BySentiment:  map[feedback.Sentiment]int{},
		ByUrgency:    map[feedback.Urgency]int{},
		ByDepartment: map[string]int{},
	}

	bodies := make([]string, 0, len(records))
	for _, r := range records {
		if r.Analyzed() {
			s.Analyzed++
		}
		if r.Sentiment.Valid() {
			s.BySentiment[r.Sentiment]++
		}
		if r.Urgency.Valid() {
			s.ByUrgency[r.Urgency]++
		}
		if r.Department != "" {
			s.ByDepartment[r.Department]++
		}
		s.Comments += r.CommentCount
		bodies = append(bodies, r.Body)

		if r.CreatedAt.IsZero() {
			continue
		}
		if s.First == nil || r.CreatedAt.Before(*s.First) {
			t := r.CreatedAt
			s.First = &t
		}
		if s.Last == nil || r.CreatedAt.After(*s.Last) {
			t := r.CreatedAt
			s.Last = &t
		}
	}
	s.Repetition = fingerprint.Count(bodies)
	return s
}
