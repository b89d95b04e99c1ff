// Package cache holds the TTL key/value capability used for query-context
// memoization and for the job-status register.
package cache

import (
	"context"
	"errors"
	"time"
)

// Namespaces keep memoized content and job status apart in one backend.
const (
	NamespaceContext = "context"
	NamespaceJobs    = "jobs"
)

// ErrUnavailable marks a backend that cannot currently serve requests.
var ErrUnavailable = errors.New("cache unavailable")

// Backend is a key/value store with absolute expiry.
type Backend interface {
	// Get returns the value and true, or nil and false when absent or expired.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	Forget(ctx context.Context, namespace, key string) error
}

// UpdateFunc receives the current value (ok=false if absent) and returns the
// value to store. Returning an error aborts the update without writing.
type UpdateFunc func(current []byte, ok bool) ([]byte, error)

// Register is a Backend that can perform an atomic read-modify-write.
type Register interface {
	Backend
	Update(ctx context.Context, namespace, key string, ttl time.Duration, fn UpdateFunc) error
}
