package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/pulse/internal/cache"
)

var _ cache.Register = (*Store)(nil)

// Get returns a live cache entry. Expired rows read as absent.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM cache_entries WHERE namespace = ? AND key = ? AND expires_at > ?`,
		namespace, key, formatTime(s.now())).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	return value, true, nil
}

// Put stores value with an absolute expiry of now+ttl.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := putEntry(ctx, s.db, namespace, key, value, s.now().Add(ttl)); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	return nil
}

// Forget removes an entry. Removing an absent key is not an error.
func (s *Store) Forget(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	return nil
}

// Update runs fn against the current value inside one transaction, so two
// callers cannot both observe the same prior state.
func (s *Store) Update(ctx context.Context, namespace, key string, ttl time.Duration, fn cache.UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := s.now()
	var current []byte
	ok := true
	err = tx.QueryRowContext(ctx, `
		SELECT value FROM cache_entries WHERE namespace = ? AND key = ? AND expires_at > ?`,
		namespace, key, formatTime(now)).Scan(&current)
	if err == sql.ErrNoRows {
		current, ok = nil, false
	} else if err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}

	next, err := fn(current, ok)
	if err != nil {
		return err
	}
	if err := putEntry(ctx, tx, namespace, key, next, now.Add(ttl)); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes expired cache rows and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, formatTime(s.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putEntry(ctx context.Context, db execer, namespace, key string, value []byte, expires time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		namespace, key, value, formatTime(expires))
	return err
}
