// Package ingest accepts feedback submissions and runs the background jobs
// that enrich records and build analytics reports.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/storage"
)

const (
	// backfillLimit bounds how many unanalyzed records a report job labels.
	backfillLimit       = 200
	backfillConcurrency = 4
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (exhausted bool, err error)
}

// FeedbackStore is what the worker reads and writes records through.
type FeedbackStore interface {
	GetFeedback(ctx context.Context, id string) (feedback.Record, error)
	ApplyAnalysis(ctx context.Context, id string, a feedback.Analysis) error
	ListUnanalyzed(ctx context.Context, since time.Time, limit int) ([]feedback.Record, error)
}

// RecordAnalyzer labels one record.
type RecordAnalyzer interface {
	Analyze(ctx context.Context, r feedback.Record) (feedback.Analysis, error)
}

// Worker processes feedback_analyze and analytics_report jobs from the
// SQLite job queue.
type Worker struct {
	jobs        JobStore
	records     FeedbackStore
	analyzer    RecordAnalyzer
	reporter    *analytics.Reporter
	tracker     *jobs.Tracker
	poll        time.Duration
	concurrency int
	logger      *zap.Logger
}

// WorkerDeps groups the Worker's collaborators.
type WorkerDeps struct {
	Jobs     JobStore
	Records  FeedbackStore
	Analyzer RecordAnalyzer
	Reporter *analytics.Reporter
	Tracker  *jobs.Tracker
	Logger   *zap.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0 it defaults to 500ms;
// concurrency below 1 runs a single loop.
func NewWorker(deps WorkerDeps, pollInterval time.Duration, concurrency int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if concurrency < 1 {
		concurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		jobs:        deps.Jobs,
		records:     deps.Records,
		analyzer:    deps.Analyzer,
		reporter:    deps.Reporter,
		tracker:     deps.Tracker,
		poll:        pollInterval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run polls for jobs on every loop until ctx is cancelled, then waits for
// in-flight jobs to return.
func (w *Worker) Run(ctx context.Context) {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(gCtx)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", zap.Error(err))
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{storage.JobFeedbackAnalyze, storage.JobAnalyticsReport})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log := w.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	var procErr error
	var onExhausted func(reason string)
	switch job.Type {
	case storage.JobFeedbackAnalyze:
		procErr = w.processAnalyze(ctx, job)
	case storage.JobAnalyticsReport:
		var key string
		key, procErr = w.processReport(ctx, job)
		if errors.Is(procErr, jobs.ErrSuperseded) {
			// A newer dispatch owns the slot; this run's work is moot.
			log.Info("report job superseded", zap.String("key", key), zap.Error(procErr))
			procErr = nil
		}
		onExhausted = func(reason string) {
			if key == "" {
				return
			}
			err := w.tracker.Fail(context.WithoutCancel(ctx), key, job.ID, reason)
			if err != nil && !errors.Is(err, jobs.ErrNotActive) && !errors.Is(err, jobs.ErrSuperseded) {
				log.Error("failed to record job failure", zap.String("key", key), zap.Error(err))
			}
		}
	default:
		procErr = fmt.Errorf("unknown job type %q", job.Type)
	}

	if procErr != nil {
		log.Warn("job failed", zap.Int("attempt", job.Attempts+1), zap.Error(procErr))
		exhausted, failErr := w.jobs.FailJob(job.ID, procErr.Error())
		if failErr != nil {
			log.Error("failed to mark job as failed", zap.Error(failErr))
			return true, nil
		}
		if exhausted && onExhausted != nil {
			onExhausted(procErr.Error())
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	log.Debug("job completed")
	return true, nil
}

// AnalyzePayload is the payload of a feedback_analyze job.
type AnalyzePayload struct {
	FeedbackID string `json:"feedback_id"`
}

// ReportPayload is the payload of an analytics_report job.
type ReportPayload struct {
	Key   string    `json:"key"`
	Since time.Time `json:"since,omitzero"`
}

func (w *Worker) processAnalyze(ctx context.Context, job *storage.Job) error {
	var payload AnalyzePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	rec, err := w.records.GetFeedback(ctx, payload.FeedbackID)
	if err != nil {
		return fmt.Errorf("loading feedback %s: %w", payload.FeedbackID, err)
	}
	return w.analyzeRecord(ctx, rec)
}

// analyzeRecord commits an analysis only after the model returned a
// complete, valid response.
func (w *Worker) analyzeRecord(ctx context.Context, rec feedback.Record) error {
	a, err := w.analyzer.Analyze(ctx, rec)
	if err != nil {
		return fmt.Errorf("analyzing feedback %s: %w", rec.ID, err)
	}
	if err := w.records.ApplyAnalysis(ctx, rec.ID, a); err != nil {
		return fmt.Errorf("storing analysis for %s: %w", rec.ID, err)
	}
	return nil
}

func (w *Worker) processReport(ctx context.Context, job *storage.Job) (string, error) {
	var payload ReportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Key == "" {
		return "", errors.New("report payload has no key")
	}
	key := payload.Key

	if err := w.tracker.Start(ctx, key, job.ID, "Analyzing new feedback"); err != nil {
		return key, fmt.Errorf("starting %s: %w", key, err)
	}

	w.backfill(ctx, payload.Since)

	report, err := w.reporter.Build(ctx, payload.Since, func(ctx context.Context, pct int, msg string) error {
		return w.tracker.Advance(ctx, key, job.ID, pct, msg)
	})
	if err != nil {
		return key, err
	}
	if err := w.tracker.Complete(ctx, key, job.ID, report); err != nil {
		return key, fmt.Errorf("completing %s: %w", key, err)
	}
	return key, nil
}

// backfill labels records that have not been analyzed yet so the report
// reflects them. Individual failures leave the record unanalyzed.
func (w *Worker) backfill(ctx context.Context, since time.Time) {
	pending, err := w.records.ListUnanalyzed(ctx, since, backfillLimit)
	if err != nil {
		w.logger.Warn("listing unanalyzed feedback", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	for _, rec := range pending {
		g.Go(func() error {
			if err := w.analyzeRecord(gCtx, rec); err != nil {
				w.logger.Warn("backfill analysis failed", zap.String("feedback_id", rec.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	w.logger.Info("backfilled analysis", zap.Int("records", len(pending)))
}
