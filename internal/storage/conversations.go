package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/pulse/internal/composer"
)

// CreateConversation inserts a new conversation header.
func (s *Store) CreateConversation(ctx context.Context, id, title string) (Conversation, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, formatTime(now), formatTime(now))
	if err != nil {
		return Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns a conversation header by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at for conversation %s: %w", id, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at for conversation %s: %w", id, err)
	}
	return c, nil
}

// AppendTurn stores t at the end of the conversation and returns it with
// its assigned id.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, t composer.Turn) (composer.Turn, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	t.Tokens = t.Cost()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return t, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, role, content, tokens, summary, created_at)
		SELECT id, ?, ?, ?, ?, ? FROM conversations WHERE id = ?`,
		t.Role, t.Content, t.Tokens, boolInt(t.Summary), formatTime(t.CreatedAt), conversationID)
	if err != nil {
		return t, fmt.Errorf("appending turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t, err
	}
	if n == 0 {
		return t, ErrNotFound
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return t, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(s.now()), conversationID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// LoadTurns returns every turn of a conversation in order.
func (s *Store) LoadTurns(ctx context.Context, conversationID string) ([]composer.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tokens, summary, created_at FROM conversation_turns
		WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var out []composer.Turn
	for rows.Next() {
		var t composer.Turn
		var summary int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &t.Tokens, &summary, &createdAt); err != nil {
			return nil, err
		}
		t.Summary = summary != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for turn %d: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReplacePrefix deletes every turn up to and including throughID and stores
// summary in their place. The summary reuses throughID so it keeps its
// position ahead of the turns that follow.
func (s *Store) ReplacePrefix(ctx context.Context, conversationID string, throughID int64, summary composer.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_turns WHERE conversation_id = ? AND id <= ?`, conversationID, throughID)
	if err != nil {
		return fmt.Errorf("deleting compressed turns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = s.now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, conversation_id, role, content, tokens, summary, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		throughID, conversationID, summary.Role, summary.Content, summary.Cost(), formatTime(summary.CreatedAt)); err != nil {
		return fmt.Errorf("inserting summary turn: %w", err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
