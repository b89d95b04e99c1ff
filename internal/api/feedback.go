package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/storage"
)

// RecordView is the wire shape of a feedback record.
type RecordView struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	Location      string        `json:"location,omitempty"`
	IssueCategory string        `json:"issue_category,omitempty"`
	Sentiment     string        `json:"sentiment,omitempty"`
	Urgency       string        `json:"urgency,omitempty"`
	Department    string        `json:"department,omitempty"`
	Tags          []string      `json:"tags"`
	CommentCount  int           `json:"comment_count"`
	CreatedAt     time.Time     `json:"created_at"`
	AnalyzedAt    *time.Time    `json:"analyzed_at,omitempty"`
	Comments      []CommentView `json:"comments,omitempty"`
}

// CommentView is the wire shape of a comment.
type CommentView struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func recordView(r feedback.Record) RecordView {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return RecordView{
		ID:            r.ID,
		Title:         r.Title,
		Body:          r.Body,
		Location:      r.Location,
		IssueCategory: string(r.IssueCategory),
		Sentiment:     string(r.Sentiment),
		Urgency:       string(r.Urgency),
		Department:    r.Department,
		Tags:          tags,
		CommentCount:  r.CommentCount,
		CreatedAt:     r.CreatedAt,
		AnalyzedAt:    r.AnalyzedAt,
	}
}

func commentView(c storage.Comment) CommentView {
	return CommentView{ID: c.ID, Author: c.Author, Body: c.Body, CreatedAt: c.CreatedAt}
}

func handleSubmitFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub ingest.Submission
		if !decodeBody(w, r, maxFeedbackBodySize, &sub) {
			return
		}

		rec, err := deps.Service.Submit(r.Context(), sub)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, recordView(rec))
	}
}

func handleGetFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Feedback.GetFeedback(r.Context(), id)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		comments, err := deps.Feedback.ListComments(r.Context(), id)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}

		view := recordView(rec)
		for _, c := range comments {
			view.Comments = append(view.Comments, commentView(c))
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type commentRequest struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

func handleAddComment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commentRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		c, err := deps.Service.Comment(r.Context(), chi.URLParam(r, "id"), req.Author, req.Body)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, commentView(c))
	}
}
