package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vn.io.arda/notification-delivery/internal/domain"
)

// Store is the PostgreSQL implementation of domain.Store.
// Table and column names come from the validated topic catalog and are quoted with pgx.Identifier.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	columns map[string]bool // "table.column" -> exists
}

// New creates a new postgres Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, columns: make(map[string]bool)}
}

// PollSince returns rows created at or after since, oldest first.
func (s *Store) PollSince(ctx context.Context, target domain.PollTarget, since time.Time, limit int) ([]domain.RawEvent, error) {
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE created_at >= $1`, ident(target.Source))
	args := []any{since}
	if target.FilterColumn != "" {
		query += fmt.Sprintf(" AND %s::text = $2", ident(target.FilterColumn))
		args = append(args, target.FilterKey)
	}
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	evs, err := s.queryRows(ctx, target.Source, query, args...)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", target.Source, err)
	}
	return evs, nil
}

// Recent returns the newest unexpired rows of a target, oldest first.
func (s *Store) Recent(ctx context.Context, target domain.PollTarget, now time.Time, limit int) ([]domain.RawEvent, error) {
	hasExpiry, err := s.hasColumn(ctx, target.Source, "expires_at")
	if err != nil {
		return nil, err
	}

	inner := fmt.Sprintf(`SELECT * FROM %s WHERE TRUE`, ident(target.Source))
	args := []any{}
	if hasExpiry {
		args = append(args, now)
		inner += fmt.Sprintf(" AND (expires_at IS NULL OR expires_at > $%d)", len(args))
	}
	if target.FilterColumn != "" {
		args = append(args, target.FilterKey)
		inner += fmt.Sprintf(" AND %s::text = $%d", ident(target.FilterColumn), len(args))
	}
	args = append(args, limit)
	inner += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	query := `SELECT row_to_json(t) FROM (` + inner + `) t ORDER BY t.created_at ASC`
	evs, err := s.queryRows(ctx, target.Source, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent %s: %w", target.Source, err)
	}
	return evs, nil
}

// MarkRead sets is_read on a single row.
func (s *Store) MarkRead(ctx context.Context, source, id string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET is_read = TRUE WHERE id::text = $1 AND is_read = FALSE`, ident(source)), id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks all unread rows of a target as read.
func (s *Store) MarkAllRead(ctx context.Context, target domain.PollTarget) (int64, error) {
	query := fmt.Sprintf(`UPDATE %s SET is_read = TRUE WHERE is_read = FALSE`, ident(target.Source))
	args := []any{}
	if target.FilterColumn != "" {
		query += fmt.Sprintf(" AND %s::text = $1", ident(target.FilterColumn))
		args = append(args, target.FilterKey)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes rows whose expires_at has passed. Tables without the column are skipped.
func (s *Store) PurgeExpired(ctx context.Context, source string, now time.Time) (int64, error) {
	hasExpiry, err := s.hasColumn(ctx, source, "expires_at")
	if err != nil || !hasExpiry {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1`, ident(source)), now)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", source, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryRows(ctx context.Context, source, query string, args ...any) ([]domain.RawEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RawEvent
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RawEvent{Type: domain.EventInsert, Source: source, New: row})
	}
	return out, rows.Err()
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	key := table + "." + column
	s.mu.Lock()
	known, ok := s.columns[key]
	s.mu.Unlock()
	if ok {
		return known, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2
		)`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", key, err)
	}
	s.mu.Lock()
	s.columns[key] = exists
	s.mu.Unlock()
	return exists, nil
}

// scannable is the subset of pgx.Rows used by scanRow.
type scannable interface {
	Scan(dest ...any) error
}

func scanRow(row scannable) (domain.Row, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	var r domain.Row
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return r, nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
