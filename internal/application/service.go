package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/cache"
	"vn.io.arda/notification-delivery/internal/connection"
	"vn.io.arda/notification-delivery/internal/dispatch"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/polling"
	"vn.io.arda/notification-delivery/internal/reconnect"
	"vn.io.arda/notification-delivery/internal/subscription"
)

const (
	DefaultInitialLoadLimit = 50
	storeCallTimeout        = 10 * time.Second
)

// Options wires one delivery instance. Transport and Catalog are required; Store enables
// polling, back-fill and read write-back; Snapshots makes the cache survive restarts.
type Options struct {
	Catalog   domain.Catalog
	Transport domain.Transport
	Store     domain.Store
	Snapshots domain.SnapshotStore

	Cache            cache.Options
	Reconnect        reconnect.Config
	Polling          polling.Config
	Connection       connection.Config
	InitialLoadLimit int
	// ReloadOnConnect back-fills from the store after every transition into connected.
	ReloadOnConnect bool
	Clock           clockwork.Clock
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Channels             int  `json:"channels"`
	Subscriptions        int  `json:"subscriptions"`
	ReconnectAttempts    int  `json:"reconnectAttempts"`
	MaxReconnectAttempts int  `json:"maxReconnectAttempts"`
	PollingEnabled       bool `json:"pollingEnabled"`
	PollingActive        bool `json:"pollingActive"`
	PollingFailures      int  `json:"pollingFailures"`
	Cached               int  `json:"cached"`
	Unread               int  `json:"unread"`
}

// Service is one explicitly constructed delivery instance: connection, subscriptions and cache.
type Service struct {
	catalog    domain.Catalog
	store      domain.Store
	dispatcher *dispatch.Dispatcher
	registry   *subscription.Registry
	manager    *connection.Manager
	poller     *polling.Engine
	sched      *reconnect.Scheduler
	clock      clockwork.Clock
	loadLimit  int
	log        zerolog.Logger

	// background store writes; cancelled and awaited on Shutdown
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closing  bool
	wg       sync.WaitGroup
	shutdown sync.Once
}

func New(opts Options) (*Service, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if len(opts.Catalog) == 0 {
		return nil, errors.New("topic catalog is empty")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.InitialLoadLimit <= 0 {
		opts.InitialLoadLimit = DefaultInitialLoadLimit
	}
	cacheOpts := opts.Cache
	cacheOpts.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		catalog:   opts.Catalog,
		store:     opts.Store,
		clock:     clock,
		loadLimit: opts.InitialLoadLimit,
		log:       log.With().Str("component", "service").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.dispatcher = dispatch.New(cache.New(opts.Snapshots, cacheOpts))
	s.dispatcher.Restore()
	s.registry = subscription.New(opts.Catalog, s.dispatcher)
	s.sched = reconnect.New(opts.Reconnect, clock)

	connCfg := opts.Connection
	if opts.Store == nil {
		connCfg.DisablePolling = true
	}
	s.poller = polling.New(storeOrNone(opts.Store), s.registry.PollTargets, s.registry.DeliverPolled,
		func() { s.manager.Upgrade() }, opts.Polling, clock)

	var onConnected func()
	if opts.ReloadOnConnect && opts.Store != nil {
		onConnected = s.reload
	}
	s.manager = connection.New(connection.Options{
		Transport:   opts.Transport,
		Registry:    s.registry,
		Scheduler:   s.sched,
		Poller:      s.poller,
		Since:       s.pollSince,
		OnConnected: onConnected,
		Clock:       clock,
		Config:      connCfg,
	})
	return s, nil
}

// Connect starts push delivery.
func (s *Service) Connect() error { return s.manager.Connect() }

// Reconnect resets the failure counter and dials again from any state.
func (s *Service) Reconnect() error { return s.manager.Reconnect() }

// Refresh is an alias for Reconnect.
func (s *Service) Refresh() error { return s.manager.Refresh() }

func (s *Service) Disconnect() error { return s.manager.Disconnect() }

func (s *Service) NotifyOnline() error  { return s.manager.NotifyOnline() }
func (s *Service) NotifyOffline() error { return s.manager.NotifyOffline() }
func (s *Service) NotifyVisible() error { return s.manager.NotifyVisible() }

func (s *Service) SetPollingFallback(enabled bool) error {
	return s.manager.SetPollingFallback(enabled)
}

// Subscribe registers observer for topic and filterKey. Call the returned func to unsubscribe.
func (s *Service) Subscribe(topic, filterKey string, observer dispatch.Observer) (func(), error) {
	return s.registry.Register(topic, filterKey, observer)
}

func (s *Service) State() domain.ConnectionState { return s.manager.State() }

func (s *Service) Notifications() []domain.Notification { return s.dispatcher.Notifications() }

func (s *Service) UnreadCount() int { return s.dispatcher.UnreadCount() }

// WatchChanges streams every cache change, including local acknowledges and dismissals.
func (s *Service) WatchChanges(size int) (*dispatch.Listener[domain.Change], func()) {
	return s.dispatcher.Watch(size)
}

// WatchState streams connection state transitions.
func (s *Service) WatchState(size int) (*dispatch.Listener[domain.ConnectionState], func()) {
	return s.manager.Watch(size)
}

// Acknowledge marks id read locally and, for topics that track reads, in the store.
// Unknown, expired or already read ids are a no-op.
func (s *Service) Acknowledge(id string) bool {
	n, changed := s.dispatcher.Acknowledge(id)
	if !changed {
		return false
	}
	s.registry.Route(domain.Change{Kind: domain.ChangeUpdated, Notification: n})

	t, err := s.catalog.Lookup(n.SourceTopic)
	if err != nil || !t.TrackReads || s.store == nil {
		return true
	}
	s.background(func(ctx context.Context) {
		if err := s.store.MarkRead(ctx, t.Source, id); err != nil {
			s.log.Error().Err(err).Str("id", id).Str("source", t.Source).Msg("mark read failed")
		}
	})
	return true
}

// AcknowledgeAll marks every cached notification read and writes back per tracked target.
func (s *Service) AcknowledgeAll() int {
	marked := s.dispatcher.AcknowledgeAll()
	for _, n := range marked {
		s.registry.Route(domain.Change{Kind: domain.ChangeUpdated, Notification: n})
	}
	if s.store == nil {
		return len(marked)
	}
	for _, target := range s.registry.PollTargets() {
		t, err := s.catalog.Lookup(target.Topic)
		if err != nil || !t.TrackReads {
			continue
		}
		target := target
		s.background(func(ctx context.Context) {
			count, err := s.store.MarkAllRead(ctx, target)
			if err != nil {
				s.log.Error().Err(err).Str("topic", target.Topic).Msg("mark all read failed")
				return
			}
			s.log.Debug().Int64("rows", count).Str("topic", target.Topic).Msg("marked all read")
		})
	}
	return len(marked)
}

// Dismiss drops id from the local cache only.
func (s *Service) Dismiss(id string) bool {
	n, ok := s.dispatcher.Get(id)
	if !ok || !s.dispatcher.Dismiss(id) {
		return false
	}
	s.registry.Route(domain.Change{Kind: domain.ChangeRemoved, Notification: n})
	return true
}

// Clear empties the local cache.
func (s *Service) Clear() { s.dispatcher.Clear() }

// InitialLoad back-fills the cache with the newest unexpired rows of every subscribed target.
// It is never implicit for late subscribers; callers ask for it.
func (s *Service) InitialLoad(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	now := s.clock.Now()
	loaded := 0
	var errs []error
	for _, target := range s.registry.PollTargets() {
		evs, err := s.store.Recent(ctx, target, now, s.loadLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("initial load %s: %w", target.Topic, err))
			continue
		}
		s.registry.DeliverPolled(target, evs)
		loaded += len(evs)
	}
	return loaded, errors.Join(errs...)
}

func (s *Service) Stats() Stats {
	st := s.manager.State()
	return Stats{
		Channels:             s.registry.Handles(),
		Subscriptions:        s.registry.Len(),
		ReconnectAttempts:    st.ConsecutiveFailureCount,
		MaxReconnectAttempts: s.sched.MaxAttempts(),
		PollingEnabled:       s.manager.PollingEnabled(),
		PollingActive:        s.poller.Running(),
		PollingFailures:      s.poller.Failures(),
		Cached:               len(s.dispatcher.Notifications()),
		Unread:               s.dispatcher.UnreadCount(),
	}
}

// Shutdown stops the connection, polling, timers and observers. Safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdown.Do(func() {
		s.manager.Shutdown()
		s.registry.Close()
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		s.dispatcher.Close()
		s.log.Debug().Msg("service shut down")
	})
}

func (s *Service) reload() {
	ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
	defer cancel()
	n, err := s.InitialLoad(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("reload after connect incomplete")
	}
	s.log.Debug().Int("rows", n).Msg("reloaded after connect")
}

// pollSince starts polling after the newest cached notification, or from the last connection.
func (s *Service) pollSince() time.Time {
	if latest := s.dispatcher.Latest(); !latest.IsZero() {
		return latest
	}
	if last := s.manager.State().LastConnectedAt; !last.IsZero() {
		return last
	}
	return s.clock.Now()
}

func (s *Service) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// noStore keeps the polling engine constructible when no store is configured; polling is
// disabled in that case so it is never called.
type noStore struct{ domain.Store }

func storeOrNone(st domain.Store) domain.Store {
	if st == nil {
		return noStore{}
	}
	return st
}
