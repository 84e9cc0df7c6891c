package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"vn.io.arda/notification-delivery/internal/domain"
)

// Store is an in-memory relational store keyed by source table.
type Store struct {
	mu   sync.Mutex
	rows map[string][]domain.Row
	err  error
}

func NewStore() *Store {
	return &Store{rows: make(map[string][]domain.Row)}
}

// Insert appends a row to source. created_at is expected as time.Time or an RFC 3339 string.
func (s *Store) Insert(source string, row domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[source] = append(s.rows[source], row)
}

// SetError makes every call fail with err until reset with nil.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Row returns a copy of the row with id in source.
func (s *Store) Row(source, id string) (domain.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows[source] {
		if r.String("id") == id {
			return copyRow(r), true
		}
	}
	return nil, false
}

func (s *Store) PollSince(ctx context.Context, target domain.PollTarget, since time.Time, limit int) ([]domain.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var matched []domain.Row
	for _, r := range s.rows[target.Source] {
		at, _ := r.Time("created_at")
		if at.Before(since) || !matches(r, target) {
			continue
		}
		matched = append(matched, r)
	}
	sortByCreated(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return toEvents(target.Source, matched), nil
}

func (s *Store) Recent(ctx context.Context, target domain.PollTarget, now time.Time, limit int) ([]domain.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var matched []domain.Row
	for _, r := range s.rows[target.Source] {
		if expiredRow(r, now) || !matches(r, target) {
			continue
		}
		matched = append(matched, r)
	}
	sortByCreated(matched)
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return toEvents(target.Source, matched), nil
}

func (s *Store) MarkRead(ctx context.Context, source, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	for _, r := range s.rows[source] {
		if r.String("id") == id {
			r["is_read"] = true
		}
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, target domain.PollTarget) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.rows[target.Source] {
		if matches(r, target) && !r.Bool("is_read") {
			r["is_read"] = true
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeExpired(ctx context.Context, source string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	kept := s.rows[source][:0]
	var n int64
	for _, r := range s.rows[source] {
		if expiredRow(r, now) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows[source] = kept
	return n, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	return ctx.Err()
}

func matches(r domain.Row, target domain.PollTarget) bool {
	return target.FilterColumn == "" || r.String(target.FilterColumn) == target.FilterKey
}

func expiredRow(r domain.Row, now time.Time) bool {
	at, ok := r.Time("expires_at")
	return ok && !now.Before(at)
}

func sortByCreated(rows []domain.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].Time("created_at")
		b, _ := rows[j].Time("created_at")
		return a.Before(b)
	})
}

func toEvents(source string, rows []domain.Row) []domain.RawEvent {
	out := make([]domain.RawEvent, len(rows))
	for i, r := range rows {
		out[i] = domain.RawEvent{Type: domain.EventInsert, Source: source, New: copyRow(r)}
	}
	return out
}

func copyRow(r domain.Row) domain.Row {
	c := make(domain.Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
