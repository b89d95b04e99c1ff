package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/llm"
	"github.com/kalambet/pulse/internal/retrieval"
	"github.com/kalambet/pulse/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	complete func(n int, req llm.Request) (llm.Response, error)
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.complete(n, req)
}

func (f *fakeProvider) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return nil, errors.New("not implemented")
}

func replyWith(text string) *fakeProvider {
	return &fakeProvider{complete: func(int, llm.Request) (llm.Response, error) {
		return llm.Response{Text: text}, nil
	}}
}

const validAnalysis = `{"sentiment":"negative","urgency":"high","department":"Public Works","tags":["Pothole","road"]}`

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type harness struct {
	store   *storage.Store
	tracker *jobs.Tracker
	service *Service
	worker  *Worker
}

func newHarness(t *testing.T, p llm.Provider, candidates retrieval.FeedbackStore) *harness {
	t.Helper()
	store := openTestStore(t)
	if candidates == nil {
		candidates = store
	}
	tracker := jobs.NewTracker(store, 0, 0, nil)
	reporter := analytics.NewReporter(retrieval.NewRetriever(candidates, 0, nil), nil)
	w := NewWorker(WorkerDeps{
		Jobs:     store,
		Records:  store,
		Analyzer: NewAnalyzer(p, "test-model"),
		Reporter: reporter,
		Tracker:  tracker,
	}, time.Millisecond, 1)
	return &harness{store: store, tracker: tracker, service: NewService(store, tracker, nil), worker: w}
}

// resetRunAfter makes a job claimable again after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func onlyJobID(t *testing.T, store *storage.Store, jobType string) string {
	t.Helper()
	var id string
	if err := store.DB().QueryRow(`SELECT id FROM jobs WHERE type = ?`, jobType).Scan(&id); err != nil {
		t.Fatalf("finding %s job: %v", jobType, err)
	}
	return id
}

func TestWorker_AnalyzesSubmittedFeedback(t *testing.T) {
	h := newHarness(t, replyWith(validAnalysis), nil)
	ctx := context.Background()

	rec, err := h.service.Submit(ctx, Submission{Title: "Pothole", Body: "Deep pothole on Elm Street", Location: "Elm"})
	require.NoError(t, err)

	didWork, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, didWork)

	got, err := h.store.GetFeedback(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.Analyzed())
	assert.Equal(t, feedback.SentimentNegative, got.Sentiment)
	assert.Equal(t, feedback.UrgencyHigh, got.Urgency)
	assert.Equal(t, "Public Works", got.Department)
	assert.Equal(t, []string{"pothole", "road"}, got.Tags)

	j, err := h.store.GetJob(onlyJobID(t, h.store, storage.JobFeedbackAnalyze))
	require.NoError(t, err)
	assert.Equal(t, "completed", j.Status)
}

func TestWorker_InvalidOutputWritesNothing(t *testing.T) {
	cases := map[string]string{
		"prose":          `Sure! Here is the analysis: ` + validAnalysis,
		"unknown enum":   `{"sentiment":"furious","urgency":"high"}`,
		"unknown field":  `{"sentiment":"negative","mood":"bad"}`,
		"truncated":      `{"sentiment":"negative","urg`,
		"trailing data":  validAnalysis + ` {}`,
		"empty object":   `{}`,
		"not an object":  `["negative"]`,
		"empty response": ``,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, replyWith(reply), nil)
			ctx := context.Background()

			rec, err := h.service.Submit(ctx, Submission{Body: "Streetlight out"})
			require.NoError(t, err)

			didWork, err := h.worker.RunOnce(ctx)
			require.NoError(t, err)
			require.True(t, didWork)

			got, err := h.store.GetFeedback(ctx, rec.ID)
			require.NoError(t, err)
			assert.False(t, got.Analyzed())
			assert.Equal(t, feedback.SentimentUnset, got.Sentiment)

			j, err := h.store.GetJob(onlyJobID(t, h.store, storage.JobFeedbackAnalyze))
			require.NoError(t, err)
			assert.Equal(t, "pending", j.Status)
			assert.Equal(t, 1, j.Attempts)
			assert.Contains(t, j.LastError, "invalid output format")
		})
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	p := &fakeProvider{complete: func(n int, _ llm.Request) (llm.Response, error) {
		if n <= 2 {
			return llm.Response{}, fmt.Errorf("%w: transient %d", llm.ErrUnavailable, n)
		}
		return llm.Response{Text: validAnalysis}, nil
	}}
	h := newHarness(t, p, nil)
	ctx := context.Background()

	rec, err := h.service.Submit(ctx, Submission{Body: "Water main burst"})
	require.NoError(t, err)
	jobID := onlyJobID(t, h.store, storage.JobFeedbackAnalyze)

	for i := 1; i <= 3; i++ {
		didWork, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, didWork, "attempt %d", i)
		if i < 3 {
			j, err := h.store.GetJob(jobID)
			require.NoError(t, err)
			assert.Equal(t, "pending", j.Status)
			assert.Equal(t, i, j.Attempts)
			resetRunAfter(t, h.store, jobID)
		}
	}

	j, err := h.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, "completed", j.Status)

	got, err := h.store.GetFeedback(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Analyzed())
}

func TestWorker_ReportJob(t *testing.T) {
	h := newHarness(t, replyWith(`{"sentiment":"negative","urgency":"critical"}`), nil)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, body := range []string{"pothole on Main", "pothole on Main", "another pothole", "garbage piling up"} {
		require.NoError(t, h.store.SaveFeedback(ctx, feedback.Record{
			ID:        fmt.Sprintf("f-%d", i),
			Body:      body,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}, ""))
	}

	state, err := h.service.RequestReport(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, state.Status)

	_, err = h.service.RequestReport(ctx, time.Time{})
	assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)

	didWork, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, didWork)

	view, err := h.tracker.Progress(ctx, ReportKey)
	require.NoError(t, err)
	assert.Equal(t, jobs.View{Progress: 100, Message: "Completed", Status: jobs.StatusCompleted}, view)

	var report analytics.Report
	ok, err := h.tracker.Result(ctx, ReportKey, &report)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, report.Total)
	require.Len(t, report.Topics, 2)
	assert.Equal(t, feedback.CategoryRoads, report.Topics[0].Category)
	assert.Equal(t, 3, report.Topics[0].Count)
	assert.Equal(t, "Public Works", report.Topics[0].Department)
	assert.Equal(t, 4, report.Overall.Analyzed, "backfill labels records before scoring")

	// A finished report frees the slot.
	_, err = h.service.RequestReport(ctx, time.Time{})
	assert.NoError(t, err)
}

func TestWorker_ReportJobExhaustedMarksFailed(t *testing.T) {
	broken := retrieval.StoreFunc(func(context.Context, feedback.Query) ([]feedback.Record, error) {
		return nil, errors.New("disk on fire")
	})
	h := newHarness(t, replyWith(validAnalysis), broken)
	ctx := context.Background()

	_, err := h.service.RequestReport(ctx, time.Time{})
	require.NoError(t, err)
	jobID := onlyJobID(t, h.store, storage.JobAnalyticsReport)

	for i := 1; i <= 3; i++ {
		didWork, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, didWork)

		view, err := h.tracker.Progress(ctx, ReportKey)
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, jobs.StatusProcessing, view.Status)
			resetRunAfter(t, h.store, jobID)
		} else {
			assert.Equal(t, jobs.StatusFailed, view.Status)
			assert.Contains(t, view.Message, "disk on fire")
		}
	}
}

func TestWorker_SupersededReportLeavesNewSlotAlone(t *testing.T) {
	h := newHarness(t, replyWith(validAnalysis), nil)
	ctx := context.Background()
	base := time.Now().UTC()
	now := base
	h.tracker.SetClock(func() time.Time { return now })

	first, err := h.service.RequestReport(ctx, time.Time{})
	require.NoError(t, err)
	require.NoError(t, h.tracker.Start(ctx, ReportKey, first.ID, "Analyzing new feedback"))

	now = base.Add(11 * time.Minute)
	second, err := h.service.RequestReport(ctx, time.Time{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	for range 2 {
		didWork, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, didWork)
	}

	s, ok, err := h.tracker.Get(ctx, ReportKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, s.ID)
	assert.Equal(t, jobs.StatusCompleted, s.Status)

	counts, err := h.store.CountJobs()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["completed"], "the superseded run is dropped, not retried")
	assert.Zero(t, counts["failed"])
	assert.Zero(t, counts["pending"])
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	h := newHarness(t, replyWith(validAnalysis), nil)
	ctx := context.Background()

	const goroutines = 5
	const perGoroutine = 10
	const total = goroutines * perGoroutine

	var wg sync.WaitGroup
	var ids sync.Map
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				rec, err := h.service.Submit(ctx, Submission{Body: fmt.Sprintf("report %d-%d", g, j)})
				if err != nil {
					t.Errorf("Submit %d-%d: %v", g, j, err)
					return
				}
				ids.Store(rec.ID, struct{}{})
			}
		}(g)
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := h.worker.RunOnce(ctx)
		require.NoError(t, err)
		if didWork {
			processed++
		}
	}

	_, analyzed, err := h.store.CountFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, analyzed)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	p := &fakeProvider{complete: func(int, llm.Request) (llm.Response, error) {
		calls.Add(1)
		return llm.Response{Text: validAnalysis}, nil
	}}
	h := newHarness(t, p, nil)
	h.worker.concurrency = 3

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.service.Submit(ctx, Submission{Body: "bus stop shelter broken"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReportPayload_OmitsZeroSince(t *testing.T) {
	b, err := json.Marshal(ReportPayload{Key: ReportKey})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"analytics:report"}`, string(b))
}
