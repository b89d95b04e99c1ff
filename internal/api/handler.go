// Package api serves the feedback, chat and analytics surfaces over HTTP
// (chi) and MCP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/llm"
	"github.com/kalambet/pulse/internal/pipeline"
	"github.com/kalambet/pulse/internal/retrieval"
	"github.com/kalambet/pulse/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxFeedbackBodySize leaves room for base64 PDF attachments.
const maxFeedbackBodySize = 10 << 20

// FeedbackReader reads stored records for display.
type FeedbackReader interface {
	GetFeedback(ctx context.Context, id string) (feedback.Record, error)
	ListComments(ctx context.Context, feedbackID string) ([]storage.Comment, error)
}

// StatsReader reports corpus and queue sizes.
type StatsReader interface {
	CountFeedback(ctx context.Context) (total, analyzed int, err error)
	CountJobs() (map[string]int, error)
}

// Deps holds everything the HTTP and MCP surfaces call into.
type Deps struct {
	Assistant *pipeline.Assistant
	Service   *ingest.Service
	Tracker   *jobs.Tracker
	Feedback  FeedbackReader
	Stats     StatsReader
	// Token enables bearer auth on every route except /health. Empty disables it.
	Token  string
	Logger *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/feedback", handleSubmitFeedback(deps))
		r.Get("/feedback/{id}", handleGetFeedback(deps))
		r.Post("/feedback/{id}/comments", handleAddComment(deps))

		r.Post("/conversations", handleStartConversation(deps))
		r.Post("/conversations/{id}/messages", handleChat(deps))

		r.Post("/analytics/report", handleRequestReport(deps))
		r.Get("/analytics/report", handleGetReport(deps))
		r.Get("/jobs/{key}/progress", handleJobProgress(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// BearerAuth rejects requests whose Authorization header does not carry token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// classify maps an engine error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrInvalid), errors.Is(err, pipeline.ErrEmptyQuestion):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict, "conflict"
	case errors.Is(err, composer.ErrBudgetViolation):
		return http.StatusUnprocessableEntity, "context_budget_error"
	case errors.Is(err, retrieval.ErrRetrieval):
		return http.StatusServiceUnavailable, "retrieval_error"
	case errors.Is(err, llm.ErrModel):
		return http.StatusBadGateway, "api_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "api_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// failWith writes err as an API error. Server-side failures are logged.
func failWith(w http.ResponseWriter, logger *zap.Logger, err error) {
	code, errType := classify(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", code), zap.Error(err))
	}
	httpError(w, code, errType, "%v", err)
}
