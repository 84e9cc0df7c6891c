// Package cache holds the bounded window of recent notifications and its persisted snapshot.
//
// A Cache is not safe for concurrent use; the dispatcher owns it and serialises access.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"vn.io.arda/notification-delivery/internal/domain"
)

const (
	DefaultCapacity  = 100
	DefaultFreshness = 5 * time.Minute
	DefaultKey       = "notification-cache"
)

var (
	ErrSnapshotStale   = errors.New("cache snapshot is stale")
	ErrSnapshotCorrupt = errors.New("cache snapshot is corrupt")
)

// Options configures a Cache. Zero values fall back to the defaults above.
type Options struct {
	Capacity  int
	Freshness time.Duration
	Key       string
	Clock     clockwork.Clock
}

type snapshot struct {
	Notifications []domain.Notification `json:"notifications"`
	WrittenAt     time.Time             `json:"writtenAt"`
}

type entry struct {
	n domain.Notification
	// acked is set by a local acknowledge; a later row still saying unread does not undo it.
	acked bool
}

// Cache is a bounded, expiring set of notifications keyed by id.
type Cache struct {
	store domain.SnapshotStore
	opts  Options

	entries map[string]*entry
	dirty   bool
}

// New creates an empty cache persisting into store. store may be nil for a volatile cache.
func New(store domain.SnapshotStore, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Cache{store: store, opts: opts, entries: make(map[string]*entry)}
}

// Load restores the persisted snapshot if it is fresh. A stale or unreadable snapshot is
// deleted and the cache starts empty; the returned error says why.
func (c *Cache) Load() (int, error) {
	if c.store == nil {
		return 0, nil
	}
	raw, err := c.store.Load(c.opts.Key)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		_ = c.store.Delete(c.opts.Key)
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	now := c.opts.Clock.Now()
	if snap.WrittenAt.IsZero() || now.Sub(snap.WrittenAt) >= c.opts.Freshness {
		_ = c.store.Delete(c.opts.Key)
		return 0, fmt.Errorf("%w: written %s ago", ErrSnapshotStale, now.Sub(snap.WrittenAt).Round(time.Second))
	}

	c.entries = make(map[string]*entry, len(snap.Notifications))
	for _, n := range snap.Notifications {
		if n.ID == "" || n.Expired(now) {
			continue
		}
		c.entries[n.ID] = &entry{n: n, acked: n.Read}
	}
	c.evict("")
	return len(c.entries), nil
}

// Upsert inserts n or merges it into the existing entry with the same id.
// Merge is first-write-wins on every field except Read, which is last-write-wins.
// Expired notifications are ignored (ok=false). Expired entries are swept
// first so they never push a live entry out.
func (c *Cache) Upsert(n domain.Notification) (kind domain.ChangeKind, stored domain.Notification, ok bool) {
	if n.ID == "" || n.Expired(c.opts.Clock.Now()) {
		return "", domain.Notification{}, false
	}
	c.Sweep()
	c.dirty = true

	if e, exists := c.entries[n.ID]; exists {
		if n.Read || !e.acked {
			e.n.Read = n.Read
		}
		return domain.ChangeUpdated, e.n, true
	}

	c.entries[n.ID] = &entry{n: n}
	c.evict(n.ID)
	return domain.ChangeNew, n, true
}

// Remove drops id from the cache.
func (c *Cache) Remove(id string) (domain.Notification, bool) {
	e, ok := c.entries[id]
	if !ok {
		return domain.Notification{}, false
	}
	delete(c.entries, id)
	c.dirty = true
	return e.n, true
}

// Acknowledge marks id read. changed is false when the id is unknown, expired or already read.
func (c *Cache) Acknowledge(id string) (n domain.Notification, changed bool) {
	c.Sweep()
	e, ok := c.entries[id]
	if !ok {
		return domain.Notification{}, false
	}
	e.acked = true
	if e.n.Read {
		return e.n, false
	}
	e.n.Read = true
	c.dirty = true
	return e.n, true
}

// AcknowledgeAll marks every unread entry read and returns them in delivery order.
func (c *Cache) AcknowledgeAll() []domain.Notification {
	c.Sweep()
	var out []domain.Notification
	for _, e := range c.entries {
		e.acked = true
		if !e.n.Read {
			e.n.Read = true
			out = append(out, e.n)
		}
	}
	if len(out) > 0 {
		c.dirty = true
	}
	domain.SortNotifications(out)
	return out
}

// Clear empties the cache.
func (c *Cache) Clear() {
	if len(c.entries) > 0 {
		c.dirty = true
	}
	c.entries = make(map[string]*entry)
}

// Sweep lazily drops expired entries.
func (c *Cache) Sweep() int {
	now := c.opts.Clock.Now()
	dropped := 0
	for id, e := range c.entries {
		if e.n.Expired(now) {
			delete(c.entries, id)
			dropped++
		}
	}
	if dropped > 0 {
		c.dirty = true
	}
	return dropped
}

// Get returns a live entry.
func (c *Cache) Get(id string) (domain.Notification, bool) {
	e, ok := c.entries[id]
	if !ok || e.n.Expired(c.opts.Clock.Now()) {
		return domain.Notification{}, false
	}
	return e.n, true
}

// List returns live entries in delivery order (CreatedAt ascending, then id).
func (c *Cache) List() []domain.Notification {
	c.Sweep()
	out := make([]domain.Notification, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.n)
	}
	domain.SortNotifications(out)
	return out
}

func (c *Cache) Len() int { return len(c.entries) }

func (c *Cache) UnreadCount() int {
	c.Sweep()
	count := 0
	for _, e := range c.entries {
		if !e.n.Read {
			count++
		}
	}
	return count
}

// Latest returns the newest live CreatedAt held, or the zero time when empty.
func (c *Cache) Latest() time.Time {
	c.Sweep()
	var latest time.Time
	for _, e := range c.entries {
		if e.n.CreatedAt.After(latest) {
			latest = e.n.CreatedAt
		}
	}
	return latest
}

// Flush writes the snapshot if anything changed since the last flush.
func (c *Cache) Flush() error {
	if !c.dirty || c.store == nil {
		c.dirty = false
		return nil
	}
	snap := snapshot{
		Notifications: make([]domain.Notification, 0, len(c.entries)),
		WrittenAt:     c.opts.Clock.Now(),
	}
	for _, e := range c.entries {
		snap.Notifications = append(snap.Notifications, e.n)
	}
	domain.SortNotifications(snap.Notifications)

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.Save(c.opts.Key, raw); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.dirty = false
	return nil
}

// evict trims to capacity: oldest read entries first, then oldest unread. keep is never evicted.
func (c *Cache) evict(keep string) {
	for len(c.entries) > c.opts.Capacity {
		victim, ok := c.oldest(func(e *entry) bool { return e.n.Read && e.n.ID != keep })
		if !ok {
			victim, ok = c.oldest(func(e *entry) bool { return e.n.ID != keep })
		}
		if !ok {
			return
		}
		delete(c.entries, victim)
		c.dirty = true
	}
}

func (c *Cache) oldest(eligible func(*entry) bool) (string, bool) {
	var (
		best  *entry
		found bool
	)
	for _, e := range c.entries {
		if !eligible(e) {
			continue
		}
		if !found || e.n.Before(best.n) {
			best, found = e, true
		}
	}
	if !found {
		return "", false
	}
	return best.n.ID, true
}
