package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// ContextCache memoizes computed values by query fingerprint. Expiry is
// absolute from the first write; hits never extend it. When the backend
// fails, every call computes.
type ContextCache[T any] struct {
	backend Backend
	logger  *zap.Logger
}

// NewContextCache wraps backend. A nil backend disables caching.
func NewContextCache[T any](backend Backend, logger *zap.Logger) *ContextCache[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextCache[T]{backend: backend, logger: logger}
}

// GetOrCompute returns the cached value for key, or runs compute, stores its
// result for ttl and returns it. Errors from compute are returned and
// nothing is cached.
func (c *ContextCache[T]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	if c.backend == nil {
		return compute(ctx)
	}

	raw, ok, err := c.backend.Get(ctx, NamespaceContext, key)
	if err != nil {
		c.logger.Warn("context cache read failed, computing", zap.String("key", key), zap.Error(err))
		return compute(ctx)
	}
	if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}

	raw, err = json.Marshal(v)
	if err != nil {
		c.logger.Warn("context cache encode failed", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	if err := c.backend.Put(ctx, NamespaceContext, key, raw, ttl); err != nil {
		c.logger.Warn("context cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// Forget drops the cached value for key.
func (c *ContextCache[T]) Forget(ctx context.Context, key string) error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Forget(ctx, NamespaceContext, key)
}
