package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/pulse/internal/feedback"
)

const feedbackColumns = `f.id, f.title, f.body, f.sentiment, f.urgency, f.department, f.tags,
	f.location, f.issue_category, f.created_at, f.analyzed_at,
	(SELECT COUNT(*) FROM feedback_comments c WHERE c.feedback_id = f.id)`

// urgencyOrder ranks rows the same way feedback.UrgencyRank does.
const urgencyOrder = `CASE f.urgency
	WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 WHEN 'low' THEN 4
	ELSE 5 END`

// SaveFeedback inserts a new record. CreatedAt defaults to now.
func (s *Store) SaveFeedback(ctx context.Context, r feedback.Record, source string) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if source == "" {
		source = "text"
	}
	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, title, body, sentiment, urgency, department, tags, location, issue_category, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Body, string(r.Sentiment), string(r.Urgency), r.Department, tags,
		r.Location, string(r.IssueCategory), source, formatTime(r.CreatedAt),
	)
	return err
}

// GetFeedback returns one record with its comment count.
func (s *Store) GetFeedback(ctx context.Context, id string) (feedback.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback f WHERE f.id = ?`, id)
	r, err := scanFeedback(row)
	if err == sql.ErrNoRows {
		return feedback.Record{}, ErrNotFound
	}
	return r, err
}

// FindRelevant returns records matching q ordered by urgency rank, then
// newest first. Keywords are OR-ed; each matches title, body, department or
// location case-insensitively.
func (s *Store) FindRelevant(ctx context.Context, q feedback.Query) ([]feedback.Record, error) {
	var where []string
	var args []any

	if len(q.Keywords) > 0 {
		var ors []string
		for _, kw := range q.Keywords {
			pattern := likePattern(kw)
			ors = append(ors, `(LOWER(f.title) LIKE ? ESCAPE '\' OR LOWER(f.body) LIKE ? ESCAPE '\'
				OR LOWER(f.department) LIKE ? ESCAPE '\' OR LOWER(f.location) LIKE ? ESCAPE '\')`)
			args = append(args, pattern, pattern, pattern, pattern)
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if q.Filters.Location != "" {
		where = append(where, `LOWER(f.location) LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(q.Filters.Location))
	}
	if q.Filters.IssueCategory != "" {
		clause, cargs := categoryClause(q.Filters.IssueCategory)
		where = append(where, clause)
		args = append(args, cargs...)
	}
	if !q.Filters.Since.IsZero() {
		where = append(where, `f.created_at >= ?`)
		args = append(args, formatTime(q.Filters.Since))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = feedback.DefaultLimit
	}

	query := `SELECT ` + feedbackColumns + ` FROM feedback f`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ` + urgencyOrder + `, f.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyAnalysis writes the enrichment fields present in a and stamps
// analyzed_at. Fields left nil are not touched.
func (s *Store) ApplyAnalysis(ctx context.Context, id string, a feedback.Analysis) error {
	var sets []string
	var args []any
	if a.Sentiment != nil {
		sets = append(sets, "sentiment = ?")
		args = append(args, string(*a.Sentiment))
	}
	if a.Urgency != nil {
		sets = append(sets, "urgency = ?")
		args = append(args, string(*a.Urgency))
	}
	if a.Department != nil {
		sets = append(sets, "department = ?")
		args = append(args, *a.Department)
	}
	if a.Tags != nil {
		tags, err := encodeTags(a.Tags)
		if err != nil {
			return err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	sets = append(sets, "analyzed_at = ?")
	args = append(args, formatTime(s.now()), id)

	res, err := s.db.ExecContext(ctx, `UPDATE feedback SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("applying analysis to %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddComment attaches a comment to an existing record.
func (s *Store) AddComment(ctx context.Context, c Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_comments (id, feedback_id, author, body, created_at)
		SELECT ?, id, ?, ?, ? FROM feedback WHERE id = ?`,
		c.ID, c.Author, c.Body, formatTime(c.CreatedAt), c.FeedbackID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListComments returns a record's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, feedbackID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feedback_id, author, body, created_at FROM feedback_comments
		WHERE feedback_id = ? ORDER BY created_at ASC, id ASC`, feedbackID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.FeedbackID, &c.Author, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for comment %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountFeedback returns the total and analyzed record counts.
func (s *Store) CountFeedback(ctx context.Context) (total, analyzed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(analyzed_at) FROM feedback`).Scan(&total, &analyzed)
	return total, analyzed, err
}

// categoryClause matches records filed under the category, plus
// uncategorized records whose title or body mentions one of its terms.
func categoryClause(filter string) (string, []any) {
	c := feedback.ParseCategory(filter)
	if c == feedback.CategoryUnknown {
		return `LOWER(f.issue_category) LIKE ? ESCAPE '\'`, []any{likePattern(filter)}
	}
	args := []any{string(c)}
	var ors []string
	for _, term := range feedback.TermsFor(c) {
		pattern := likePattern(term)
		ors = append(ors, `LOWER(f.title) LIKE ? ESCAPE '\' OR LOWER(f.body) LIKE ? ESCAPE '\'`)
		args = append(args, pattern, pattern)
	}
	return `(f.issue_category = ? OR (f.issue_category = '' AND (` + strings.Join(ors, " OR ") + `)))`, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeedback(sc scanner) (feedback.Record, error) {
	var r feedback.Record
	var sentiment, urgency, category, tags, createdAt string
	var analyzedAt sql.NullString
	if err := sc.Scan(&r.ID, &r.Title, &r.Body, &sentiment, &urgency, &r.Department, &tags,
		&r.Location, &category, &createdAt, &analyzedAt, &r.CommentCount); err != nil {
		return feedback.Record{}, err
	}
	r.Sentiment = feedback.Sentiment(sentiment)
	r.Urgency = feedback.Urgency(urgency)
	r.IssueCategory = feedback.IssueCategory(category)

	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return feedback.Record{}, fmt.Errorf("decoding tags for %s: %w", r.ID, err)
		}
	}

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return feedback.Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if analyzedAt.Valid {
		t, err := parseTime(analyzedAt.String)
		if err != nil {
			return feedback.Record{}, fmt.Errorf("parsing analyzed_at for %s: %w", r.ID, err)
		}
		r.AnalyzedAt = &t
	}
	return r, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

// ListUnanalyzed returns records created at or after since that have not
// been through enrichment, oldest first.
func (s *Store) ListUnanalyzed(ctx context.Context, since time.Time, limit int) ([]feedback.Record, error) {
	if limit <= 0 {
		limit = feedback.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedbackColumns+` FROM feedback f
		WHERE f.analyzed_at IS NULL AND f.created_at >= ?
		ORDER BY f.created_at ASC LIMIT ?`, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("listing unanalyzed feedback: %w", err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
