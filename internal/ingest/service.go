package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/storage"
)

// ReportKey is the single job slot shared by all analytics report requests.
const ReportKey = "analytics:report"

// ErrInvalid marks a submission rejected before anything was stored.
var ErrInvalid = errors.New("invalid submission")

// SubmitStore persists submissions and queues their follow-up jobs.
type SubmitStore interface {
	SaveFeedback(ctx context.Context, r feedback.Record, source string) error
	AddComment(ctx context.Context, c storage.Comment) error
	EnqueueJob(job storage.Job) error
}

// Submission is a new report as received from a citizen-facing form.
type Submission struct {
	Title         string `json:"title"`
	Body          string `json:"body"`
	Format        string `json:"format"`
	Location      string `json:"location"`
	IssueCategory string `json:"issue_category"`
}

// Service is the write side: it stores feedback and dispatches jobs.
type Service struct {
	store   SubmitStore
	tracker *jobs.Tracker
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(store SubmitStore, tracker *jobs.Tracker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tracker: tracker, logger: logger, now: time.Now}
}

// Submit extracts the body text, stores the record and queues it for
// analysis. The record is returned unanalyzed.
func (s *Service) Submit(ctx context.Context, sub Submission) (feedback.Record, error) {
	text, err := ExtractText(sub.Format, sub.Body)
	if err != nil {
		return feedback.Record{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	format := sub.Format
	if format == "" {
		format = FormatText
	}

	var category feedback.IssueCategory
	if sub.IssueCategory != "" {
		category = feedback.ParseCategory(sub.IssueCategory)
		if category == feedback.CategoryUnknown {
			return feedback.Record{}, fmt.Errorf("%w: unknown issue category %q", ErrInvalid, sub.IssueCategory)
		}
	}

	rec := feedback.Record{
		ID:            uuid.New().String(),
		Title:         strings.TrimSpace(sub.Title),
		Body:          text,
		Location:      strings.TrimSpace(sub.Location),
		IssueCategory: category,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.SaveFeedback(ctx, rec, format); err != nil {
		return feedback.Record{}, fmt.Errorf("saving feedback: %w", err)
	}

	payload, err := json.Marshal(AnalyzePayload{FeedbackID: rec.ID})
	if err != nil {
		return rec, fmt.Errorf("creating job payload: %w", err)
	}
	if err := s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobFeedbackAnalyze,
		PayloadJSON: string(payload),
	}); err != nil {
		return rec, fmt.Errorf("enqueueing analysis: %w", err)
	}

	s.logger.Info("feedback submitted",
		zap.String("feedback_id", rec.ID),
		zap.String("format", format),
		zap.String("category", string(category)),
	)
	return rec, nil
}

// Comment attaches a follow-up to an existing record.
func (s *Service) Comment(ctx context.Context, feedbackID, author, body string) (storage.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return storage.Comment{}, fmt.Errorf("%w: %w", ErrInvalid, ErrEmptyBody)
	}
	c := storage.Comment{
		ID:         uuid.New().String(),
		FeedbackID: feedbackID,
		Author:     strings.TrimSpace(author),
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return storage.Comment{}, err
	}
	return c, nil
}

// RequestReport claims the report slot and queues a report job covering
// records created at or after since (zero for all). While another report is
// live it returns a *jobs.ConflictError.
func (s *Service) RequestReport(ctx context.Context, since time.Time) (jobs.State, error) {
	id := uuid.New().String()
	state, err := s.tracker.Dispatch(ctx, ReportKey, id)
	if err != nil {
		return jobs.State{}, err
	}

	payload, err := json.Marshal(ReportPayload{Key: ReportKey, Since: since})
	if err == nil {
		err = s.store.EnqueueJob(storage.Job{
			ID:          id,
			Type:        storage.JobAnalyticsReport,
			PayloadJSON: string(payload),
		})
	}
	if err != nil {
		if failErr := s.tracker.Fail(ctx, ReportKey, id, "Could not queue report"); failErr != nil {
			s.logger.Error("failed to release report slot", zap.Error(failErr))
		}
		return jobs.State{}, fmt.Errorf("enqueueing report: %w", err)
	}
	return state, nil
}
