package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
)

type reportRequest struct {
	Since time.Time `json:"since,omitzero"`
}

func handleRequestReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportRequest
		if r.ContentLength != 0 && !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		state, err := deps.Service.RequestReport(r.Context(), req.Since)
		var conflict *jobs.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{
					"message":    "a report is already being generated",
					"type":       "conflict",
					"status":     conflict.Status,
					"started_at": conflict.StartedAt,
				},
			})
			return
		}
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusAccepted, state)
	}
}

func handleGetReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report analytics.Report
		ok, err := deps.Tracker.Result(r.Context(), ingest.ReportKey, &report)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no report available")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleJobProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Tracker.Progress(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// StatsResponse is served by GET /stats.
type StatsResponse struct {
	Feedback int            `json:"feedback"`
	Analyzed int            `json:"analyzed"`
	Jobs     map[string]int `json:"jobs"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		total, analyzed, err := deps.Stats.CountFeedback(r.Context())
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		counts, err := deps.Stats.CountJobs()
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{Feedback: total, Analyzed: analyzed, Jobs: counts})
	}
}
