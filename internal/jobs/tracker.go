// Package jobs makes the status of long-running background work observable
// through a cache-backed state machine: pending, processing, then completed
// or failed.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/cache"
)

// Status is a job state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DefaultStaleAfter = 10 * time.Minute
	DefaultTTL        = 24 * time.Hour

	notStartedMessage = "Job not started"
	resultSuffix      = ":result"
)

var (
	// ErrAlreadyRunning is matched by ConflictError.
	ErrAlreadyRunning = errors.New("job already in progress")
	// ErrNotActive is returned when updating a job that isn't pending or processing.
	ErrNotActive = errors.New("job is not active")
	// ErrSuperseded is returned when a newer dispatch took over the job's slot.
	ErrSuperseded = errors.New("job superseded")
)

// ConflictError reports a dispatch attempted while a live job holds the slot.
type ConflictError struct {
	Key       string
	Status    Status
	StartedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s already in progress (%s since %s)", e.Key, e.Status, e.StartedAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool { return target == ErrAlreadyRunning }

// State is the stored status entry for one job slot.
type State struct {
	Key          string     `json:"key"`
	ID           string     `json:"id,omitempty"`
	Status       Status     `json:"status"`
	Message      string     `json:"message"`
	Progress     int        `json:"progress"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// View is the progress triple served to callers.
type View struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Status   Status `json:"status"`
}

// Tracker owns job status slots in a cache register.
type Tracker struct {
	reg        cache.Register
	staleAfter time.Duration
	ttl        time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewTracker creates a Tracker. Non-positive durations use the defaults
// (10 minutes stale, 24 hours retention).
func NewTracker(reg cache.Register, staleAfter, ttl time.Duration, logger *zap.Logger) *Tracker {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{reg: reg, staleAfter: staleAfter, ttl: ttl, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Live reports whether s holds its slot at time now. Terminal entries never
// do, and a pending or processing entry stops holding it once older than
// staleAfter.
func (t *Tracker) Live(s State, now time.Time) bool {
	switch s.Status {
	case StatusProcessing:
		since := s.DispatchedAt
		if s.StartedAt != nil {
			since = *s.StartedAt
		}
		// An entry exactly staleAfter old still holds the slot.
		return now.Sub(since) <= t.staleAfter
	case StatusPending:
		return now.Sub(s.DispatchedAt) <= t.staleAfter
	default:
		return false
	}
}

// Dispatch claims key for a new job identified by id and records it as
// pending. If a live job holds the slot it returns a *ConflictError.
func (t *Tracker) Dispatch(ctx context.Context, key, id string) (State, error) {
	now := t.now().UTC()
	var out State
	err := t.reg.Update(ctx, cache.NamespaceJobs, key, t.ttl, func(cur []byte, ok bool) ([]byte, error) {
		if ok {
			var prev State
			if err := json.Unmarshal(cur, &prev); err == nil && t.Live(prev, now) {
				started := prev.DispatchedAt
				if prev.StartedAt != nil {
					started = *prev.StartedAt
				}
				return nil, &ConflictError{Key: key, Status: prev.Status, StartedAt: started}
			}
		}
		out = State{
			Key:          key,
			ID:           id,
			Status:       StatusPending,
			Message:      "Queued",
			DispatchedAt: now,
		}
		return json.Marshal(out)
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			t.logger.Info("job dispatch rejected, already running",
				zap.String("key", key), zap.Time("started_at", conflict.StartedAt))
		}
		return State{}, err
	}
	// The result of a previous run no longer describes the current one.
	if err := t.reg.Forget(ctx, cache.NamespaceJobs, key+resultSuffix); err != nil {
		t.logger.Warn("clearing previous job result", zap.String("key", key), zap.Error(err))
	}
	return out, nil
}

// Advance records progress for the job id holding key. The first update
// moves a pending job to processing and stamps started_at. Progress never
// decreases.
func (t *Tracker) Advance(ctx context.Context, key, id string, progress int, message string) error {
	now := t.now().UTC()
	return t.mutate(ctx, key, id, func(s *State) error {
		if s.Status == StatusPending {
			s.Status = StatusProcessing
			s.StartedAt = &now
		}
		s.Progress = max(s.Progress, min(progress, 100))
		if message != "" {
			s.Message = message
		}
		return nil
	})
}

// Start is Advance(key, id, 0, message).
func (t *Tracker) Start(ctx context.Context, key, id, message string) error {
	return t.Advance(ctx, key, id, 0, message)
}

// Complete marks the job completed and stores result in a separate slot.
// A superseded job writes neither.
func (t *Tracker) Complete(ctx context.Context, key, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding job result: %w", err)
	}
	cur, ok, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := t.owns(cur, ok, key, id); err != nil {
		return err
	}
	if err := t.reg.Put(ctx, cache.NamespaceJobs, key+resultSuffix, raw, t.ttl); err != nil {
		return fmt.Errorf("storing job result: %w", err)
	}
	now := t.now().UTC()
	err = t.mutate(ctx, key, id, func(s *State) error {
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.Status = StatusCompleted
		s.Progress = 100
		s.Message = "Completed"
		s.CompletedAt = &now
		return nil
	})
	if errors.Is(err, ErrSuperseded) {
		// A dispatch landed between the check and the write.
		if ferr := t.reg.Forget(ctx, cache.NamespaceJobs, key+resultSuffix); ferr != nil {
			t.logger.Warn("dropping superseded job result", zap.String("key", key), zap.Error(ferr))
		}
	}
	return err
}

// Fail marks the job failed, keeping reason for operators.
func (t *Tracker) Fail(ctx context.Context, key, id, reason string) error {
	now := t.now().UTC()
	return t.mutate(ctx, key, id, func(s *State) error {
		s.Status = StatusFailed
		s.Message = reason
		s.FailedAt = &now
		return nil
	})
}

// Get returns the raw stored state.
func (t *Tracker) Get(ctx context.Context, key string) (State, bool, error) {
	raw, ok, err := t.reg.Get(ctx, cache.NamespaceJobs, key)
	if err != nil || !ok {
		return State{}, false, err
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false, fmt.Errorf("decoding job state %s: %w", key, err)
	}
	return s, true, nil
}

// Progress returns the progress view for key. An absent entry, or a pending
// or processing entry that has gone stale, reads as not started.
func (t *Tracker) Progress(ctx context.Context, key string) (View, error) {
	s, ok, err := t.Get(ctx, key)
	if err != nil {
		return View{}, err
	}
	if !ok || (!s.Status.Terminal() && !t.Live(s, t.now())) {
		return View{Progress: 0, Message: notStartedMessage, Status: StatusPending}, nil
	}
	return View{Progress: s.Progress, Message: s.Message, Status: s.Status}, nil
}

// Result decodes the stored result of a completed job into dst.
func (t *Tracker) Result(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := t.reg.Get(ctx, cache.NamespaceJobs, key+resultSuffix)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding job result %s: %w", key, err)
	}
	return true, nil
}

// Clear removes the status and result for key.
func (t *Tracker) Clear(ctx context.Context, key string) error {
	if err := t.reg.Forget(ctx, cache.NamespaceJobs, key); err != nil {
		return err
	}
	return t.reg.Forget(ctx, cache.NamespaceJobs, key+resultSuffix)
}

// owns checks that id still holds key and that the job is active.
func (t *Tracker) owns(s State, ok bool, key, id string) error {
	if !ok {
		return fmt.Errorf("%w: %s has no status", ErrNotActive, key)
	}
	if s.ID != id {
		return fmt.Errorf("%w: %s is held by %s", ErrSuperseded, key, s.ID)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, key, s.Status)
	}
	return nil
}

// mutate applies fn to the state of key if id still owns it.
func (t *Tracker) mutate(ctx context.Context, key, id string, fn func(*State) error) error {
	return t.reg.Update(ctx, cache.NamespaceJobs, key, t.ttl, func(cur []byte, ok bool) ([]byte, error) {
		var s State
		if ok {
			if err := json.Unmarshal(cur, &s); err != nil {
				return nil, fmt.Errorf("decoding job state %s: %w", key, err)
			}
		}
		if err := t.owns(s, ok, key, id); err != nil {
			return nil, err
		}
		if err := fn(&s); err != nil {
			return nil, err
		}
		return json.Marshal(s)
	})
}
