package domain

import (
	"context"
	"time"
)

// PollTarget identifies the rows one subscription signature needs when pulling.
type PollTarget struct {
	Topic        string
	Source       string
	FilterColumn string
	FilterKey    string
}

// Key is unique per subscription signature.
func (t PollTarget) Key() string {
	return t.Topic + "|" + t.FilterKey
}

// Store defines the port to the relational store.
// Implementations live in infrastructure/postgres and infrastructure/memory.
type Store interface {
	// PollSince returns rows with created_at >= since, ascending by created_at, at most limit rows.
	PollSince(ctx context.Context, target PollTarget, since time.Time, limit int) ([]RawEvent, error)

	// Recent returns the newest unexpired rows for a target, used for explicit back-fill.
	Recent(ctx context.Context, target PollTarget, now time.Time, limit int) ([]RawEvent, error)

	// MarkRead sets is_read on one row.
	MarkRead(ctx context.Context, source, id string) error

	// MarkAllRead sets is_read on every unread row of a target.
	MarkAllRead(ctx context.Context, target PollTarget) (int64, error)

	// PurgeExpired deletes rows whose expires_at has passed (TTL cleanup).
	PurgeExpired(ctx context.Context, source string, now time.Time) (int64, error)
}

// SnapshotStore is the durable key-value slot backing the local cache.
type SnapshotStore interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
	Delete(key string) error
}
