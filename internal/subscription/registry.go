// Package subscription tracks logical subscriptions, shares one transport handle per signature,
// and routes incoming events to the observers of that signature.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/dispatch"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/wire"
)

const listenerSize = 64

// Ingester is the dispatcher side of the registry.
type Ingester interface {
	Ingest(batch []wire.Decoded) []domain.Change
}

// Subscription is one observer registered for topic+filterKey.
type Subscription struct {
	ID        string
	Topic     string
	FilterKey string

	box  *dispatch.Listener[domain.Change]
	done <-chan struct{}
}

// group is every subscription sharing one signature, and the handle they share.
type group struct {
	key    string
	topic  domain.Topic
	desc   domain.Descriptor
	target domain.PollTarget
	subs   map[string]*Subscription

	handle domain.Handle
	cancel context.CancelFunc
}

type Registry struct {
	catalog domain.Catalog
	ingest  Ingester
	log     zerolog.Logger

	mu        sync.Mutex
	groups    map[string]*group
	channel   domain.Channel
	onFailure func(error)
	gen       uint64
}

func New(catalog domain.Catalog, ingest Ingester) *Registry {
	return &Registry{
		catalog: catalog,
		ingest:  ingest,
		log:     log.With().Str("component", "subscription").Logger(),
		groups:  make(map[string]*group),
	}
}

// signature is topic+filterKey; broadcast topics ignore the filter key.
func signature(t domain.Topic, filterKey string) string {
	if t.Broadcast {
		return t.Name + "|"
	}
	return t.Name + "|" + filterKey
}

// Register adds an observer for topic and filterKey and returns its unsubscribe func.
// The observer runs on its own goroutine; a slow observer loses changes rather than stalling delivery.
func (r *Registry) Register(topicName, filterKey string, observer dispatch.Observer) (func(), error) {
	t, err := r.catalog.Lookup(topicName)
	if err != nil {
		return nil, err
	}
	if !t.Broadcast && filterKey == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrFilterRequired, topicName)
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Topic:     t.Name,
		FilterKey: filterKey,
		box:       dispatch.NewListener[domain.Change](listenerSize),
	}
	sub.done = dispatch.Observe(sub.box, observer)

	r.mu.Lock()
	key := signature(t, filterKey)
	g, ok := r.groups[key]
	if !ok {
		g = &group{
			key:    key,
			topic:  t,
			desc:   t.Descriptor(filterKey),
			target: t.PollTarget(filterKey),
			subs:   make(map[string]*Subscription),
		}
		r.groups[key] = g
		if r.channel != nil {
			r.openLocked(g)
		}
	}
	g.subs[sub.ID] = sub
	refs := len(g.subs)
	r.mu.Unlock()

	r.log.Debug().Str("topic", t.Name).Str("key", key).Int("refs", refs).Msg("subscription registered")

	var once sync.Once
	return func() { once.Do(func() { r.unregister(key, sub) }) }, nil
}

func (r *Registry) unregister(key string, sub *Subscription) {
	r.mu.Lock()
	g, ok := r.groups[key]
	if ok {
		delete(g.subs, sub.ID)
		if len(g.subs) == 0 {
			r.closeLocked(g)
			delete(r.groups, key)
			r.log.Debug().Str("key", key).Msg("last subscription gone, handle closed")
		}
	}
	r.mu.Unlock()
	sub.box.Close()
}

// Attach opens a handle per signature on ch. onFailure is called once per attachment when a
// handle fails to open or ends unexpectedly.
func (r *Registry) Attach(ch domain.Channel, onFailure func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
	r.channel = ch
	var once sync.Once
	r.onFailure = func(err error) { once.Do(func() { onFailure(err) }) }
	for _, g := range r.groups {
		r.openLocked(g)
	}
}

// Detach closes every handle. Events still in flight from them are dropped.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
}

func (r *Registry) detachLocked() {
	r.gen++
	for _, g := range r.groups {
		r.closeLocked(g)
	}
	r.channel = nil
	r.onFailure = nil
}

func (r *Registry) openLocked(g *group) {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	ch, gen, onFailure := r.channel, r.gen, r.onFailure

	go func() {
		h, err := ch.Subscribe(ctx, g.desc)

		r.mu.Lock()
		current := r.gen == gen && r.groups[g.key] == g && ctx.Err() == nil
		if current && err == nil {
			g.handle = h
		}
		r.mu.Unlock()

		switch {
		case !current:
			if h != nil {
				_ = h.Close()
			}
		case err != nil:
			r.log.Warn().Err(err).Str("topic", g.topic.Name).Msg("subscribe failed")
			onFailure(fmt.Errorf("subscribe %s: %w", g.topic.Name, err))
		default:
			r.pump(ctx, g, h, gen, onFailure)
		}
	}()
}

func (r *Registry) closeLocked(g *group) {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.handle != nil {
		_ = g.handle.Close()
		g.handle = nil
	}
}

// pump forwards one handle's events until it ends. Events arriving after the
// group was closed or the channel detached are drained and dropped.
func (r *Registry) pump(ctx context.Context, g *group, h domain.Handle, gen uint64, onFailure func(error)) {
	for ev := range h.Events() {
		if ctx.Err() != nil || !r.current(gen) {
			continue
		}
		if ev.Topic == "" {
			ev.Topic = g.topic.Name
		}
		r.deliver(g, []domain.RawEvent{ev})
	}
	if ctx.Err() != nil || !r.current(gen) {
		return
	}
	err := h.Err()
	if err == nil || errors.Is(err, domain.ErrChannelClosed) {
		err = fmt.Errorf("handle %s ended: %w", g.topic.Name, domain.ErrChannelClosed)
	}
	onFailure(err)
}

func (r *Registry) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *Registry) deliver(g *group, evs []domain.RawEvent) {
	decoded := wire.DecodeAll(g.topic.Name, evs)
	if len(decoded) == 0 {
		return
	}
	changes := r.ingest.Ingest(decoded)

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(g.subs))
	for _, s := range g.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, c := range changes {
		for _, s := range subs {
			if !s.box.Send(c) {
				r.log.Warn().Str("subscription", s.ID).Uint64("dropped", s.box.Dropped()).Msg("observer behind, change dropped")
			}
		}
	}
}

// Route hands a locally produced change (acknowledge, dismiss) to every subscription of its topic.
func (r *Registry) Route(c domain.Change) {
	r.mu.Lock()
	var subs []*Subscription
	for _, g := range r.groups {
		if g.topic.Name != c.Notification.SourceTopic {
			continue
		}
		for _, s := range g.subs {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.box.Send(c)
	}
}

// PollTargets lists one target per active signature.
func (r *Registry) PollTargets() []domain.PollTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PollTarget, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.target)
	}
	return out
}

// Topic returns the catalog entry for a poll target's topic.
func (r *Registry) Topic(name string) (domain.Topic, error) {
	return r.catalog.Lookup(name)
}

// DeliverPolled routes a polled batch into the same path as pushed events.
func (r *Registry) DeliverPolled(target domain.PollTarget, evs []domain.RawEvent) {
	r.mu.Lock()
	var g *group
	for _, candidate := range r.groups {
		if candidate.target.Key() == target.Key() {
			g = candidate
			break
		}
	}
	r.mu.Unlock()
	if g == nil {
		return
	}
	r.deliver(g, evs)
}

// Len is the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.groups {
		n += len(g.subs)
	}
	return n
}

// Handles is the number of open transport handles.
func (r *Registry) Handles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.groups {
		if g.handle != nil {
			n++
		}
	}
	return n
}

// Close detaches from the channel and ends every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	r.detachLocked()
	groups := r.groups
	r.groups = make(map[string]*group)
	r.mu.Unlock()

	for _, g := range groups {
		for _, s := range g.subs {
			s.box.Close()
			<-s.done
		}
	}
}
