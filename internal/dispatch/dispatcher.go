// Package dispatch deduplicates, orders and caches notifications, and tells observers what changed.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/cache"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/wire"
)

// Observer receives changes for one subscription or watcher.
type Observer func(domain.Change)

// Dispatcher is the single writer of the local cache.
type Dispatcher struct {
	mu      sync.Mutex
	cache   *cache.Cache
	changes *Broadcaster[domain.Change]
	log     zerolog.Logger
}

func New(c *cache.Cache) *Dispatcher {
	return &Dispatcher{
		cache:   c,
		changes: NewBroadcaster[domain.Change](),
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Restore loads the persisted snapshot. A stale or corrupt snapshot is logged and discarded.
func (d *Dispatcher) Restore() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.cache.Load()
	if err != nil {
		d.log.Warn().Err(err).Msg("starting with an empty cache")
		return 0
	}
	if n > 0 {
		d.log.Info().Int("count", n).Msg("cache restored")
	}
	return n
}

// Ingest applies a decoded batch. Upserts are applied in (CreatedAt, ID) order, then removals
// in arrival order. Every applied item yields one change, which is returned and broadcast.
func (d *Dispatcher) Ingest(batch []wire.Decoded) []domain.Change {
	if len(batch) == 0 {
		return nil
	}
	upserts := make([]domain.Notification, 0, len(batch))
	var removals []string
	for _, item := range batch {
		if item.Action == wire.ActionRemove {
			removals = append(removals, item.Notification.ID)
			continue
		}
		upserts = append(upserts, item.Notification)
	}
	sort.SliceStable(upserts, func(i, j int) bool { return upserts[i].Before(upserts[j]) })

	d.mu.Lock()
	changes := make([]domain.Change, 0, len(batch))
	for _, n := range upserts {
		kind, stored, ok := d.cache.Upsert(n)
		if !ok {
			d.log.Debug().Str("id", n.ID).Msg("expired notification dropped")
			continue
		}
		changes = append(changes, domain.Change{Kind: kind, Notification: stored})
	}
	for _, id := range removals {
		if removed, ok := d.cache.Remove(id); ok {
			changes = append(changes, domain.Change{Kind: domain.ChangeRemoved, Notification: removed})
		}
	}
	d.flushLocked()
	d.mu.Unlock()

	d.publish(changes)
	return changes
}

// IngestNotifications is Ingest for plain upserts.
func (d *Dispatcher) IngestNotifications(ns ...domain.Notification) []domain.Change {
	batch := make([]wire.Decoded, len(ns))
	for i, n := range ns {
		batch[i] = wire.Decoded{Notification: n}
	}
	return d.Ingest(batch)
}

// Acknowledge marks id read. It is a no-op (ok=false) for unknown, expired or already read ids.
func (d *Dispatcher) Acknowledge(id string) (domain.Notification, bool) {
	d.mu.Lock()
	n, changed := d.cache.Acknowledge(id)
	d.flushLocked()
	d.mu.Unlock()

	if changed {
		d.changes.Publish(domain.Change{Kind: domain.ChangeUpdated, Notification: n})
	}
	return n, changed
}

// AcknowledgeAll marks every cached notification read and returns those that changed.
func (d *Dispatcher) AcknowledgeAll() []domain.Notification {
	d.mu.Lock()
	marked := d.cache.AcknowledgeAll()
	d.flushLocked()
	d.mu.Unlock()

	for _, n := range marked {
		d.changes.Publish(domain.Change{Kind: domain.ChangeUpdated, Notification: n})
	}
	return marked
}

// Dismiss removes id from the cache.
func (d *Dispatcher) Dismiss(id string) bool {
	d.mu.Lock()
	n, ok := d.cache.Remove(id)
	d.flushLocked()
	d.mu.Unlock()

	if ok {
		d.changes.Publish(domain.Change{Kind: domain.ChangeRemoved, Notification: n})
	}
	return ok
}

// Clear empties the cache, emitting a removal for every entry.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	all := d.cache.List()
	d.cache.Clear()
	d.flushLocked()
	d.mu.Unlock()

	for _, n := range all {
		d.changes.Publish(domain.Change{Kind: domain.ChangeRemoved, Notification: n})
	}
}

// Notifications returns the live cache contents in delivery order.
func (d *Dispatcher) Notifications() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.cache.List()
	d.flushLocked()
	return list
}

// Get returns one live notification.
func (d *Dispatcher) Get(id string) (domain.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Get(id)
}

func (d *Dispatcher) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := d.cache.UnreadCount()
	d.flushLocked()
	return count
}

// Latest returns the newest CreatedAt in the cache.
func (d *Dispatcher) Latest() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Latest()
}

// Watch registers a listener for every change. cancel unregisters and closes it.
func (d *Dispatcher) Watch(size int) (*Listener[domain.Change], func()) {
	return d.changes.Listen(size)
}

// Close closes every watcher.
func (d *Dispatcher) Close() {
	d.changes.Close()
}

func (d *Dispatcher) publish(changes []domain.Change) {
	for _, c := range changes {
		d.changes.Publish(c)
	}
}

func (d *Dispatcher) flushLocked() {
	if err := d.cache.Flush(); err != nil {
		d.log.Error().Err(err).Msg("persist cache snapshot")
	}
}
