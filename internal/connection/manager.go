// Package connection owns the push channel lifecycle: when to dial, when to fall back to polling,
// and what state the consumer sees.
//
// All state lives on one actor goroutine. Public methods, timer firings, dial results and
// channel-loss signals are closures run on its inbox, so transitions never interleave.
package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"vn.io.arda/notification-delivery/internal/dispatch"
	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/reconnect"
)

// ErrShutdown is returned by calls made after Shutdown.
var ErrShutdown = errors.New("connection manager shut down")

const (
	DefaultOpenTimeout = 10 * time.Second
	inboxSize          = 64
)

// Attacher is the registry side: it opens handles on a live channel and drops them on loss.
type Attacher interface {
	Attach(ch domain.Channel, onFailure func(error))
	Detach()
}

// Poller is the polling fallback engine.
type Poller interface {
	Start(since time.Time) bool
	Stop()
	Running() bool
	Failures() int
}

type Config struct {
	OpenTimeout time.Duration
	// DialRate limits dial attempts per second; zero means unlimited.
	DialRate  float64
	DialBurst int
	// DisablePolling turns the polling floor off at start; see SetPollingFallback.
	DisablePolling bool
}

type Options struct {
	Transport domain.Transport
	Registry  Attacher
	Scheduler *reconnect.Scheduler
	Poller    Poller
	// Since gives the polling start cursor.
	Since func() time.Time
	// OnConnected runs on its own goroutine after every transition into connected.
	OnConnected func()
	Clock       clockwork.Clock
	Config      Config
}

type Manager struct {
	transport   domain.Transport
	registry    Attacher
	sched       *reconnect.Scheduler
	poller      Poller
	since       func() time.Time
	onConnected func()
	clock       clockwork.Clock
	limiter     *rate.Limiter
	cfg         Config
	log         zerolog.Logger

	inbox    chan func()
	quit     chan struct{}
	stopped  chan struct{}
	shutdown sync.Once

	snapshot atomic.Pointer[domain.ConnectionState]
	states   *dispatch.Broadcaster[domain.ConnectionState]

	// Owned by the actor goroutine.
	state      domain.ConnectionState
	channel    domain.Channel
	gen        uint64
	dialing    bool
	dialCancel context.CancelFunc
	polling    bool
	// idle is set before the first Connect and after Disconnect; wake signals are ignored.
	idle bool
}

func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	since := opts.Since
	if since == nil {
		since = clock.Now
	}

	m := &Manager{
		transport:   opts.Transport,
		registry:    opts.Registry,
		sched:       opts.Scheduler,
		poller:      opts.Poller,
		since:       since,
		onConnected: opts.OnConnected,
		clock:       clock,
		limiter:     rate.NewLimiter(limit, cfg.DialBurst),
		cfg:         cfg,
		log:         log.With().Str("component", "connection").Logger(),
		inbox:       make(chan func(), inboxSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		states:      dispatch.NewBroadcaster[domain.ConnectionState](),
		state:       domain.InitialConnectionState(),
		polling:     !cfg.DisablePolling,
		idle:        true,
	}
	s := m.state
	m.snapshot.Store(&s)
	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for it.
func (m *Manager) do(fn func()) error {
	if m.closed() {
		return ErrShutdown
	}
	done := make(chan struct{})
	select {
	case m.inbox <- func() { fn(); close(done) }:
	case <-m.quit:
		return ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrShutdown
	}
}

// post queues fn without waiting. Reports false after shutdown.
func (m *Manager) post(fn func()) bool {
	if m.closed() {
		return false
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) closed() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

// State returns the latest published state.
func (m *Manager) State() domain.ConnectionState {
	return *m.snapshot.Load()
}

// Watch registers a listener for state changes.
func (m *Manager) Watch(size int) (*dispatch.Listener[domain.ConnectionState], func()) {
	return m.states.Listen(size)
}

// PollingEnabled reports whether the polling floor may run.
func (m *Manager) PollingEnabled() bool {
	var enabled bool
	if err := m.do(func() { enabled = m.polling }); err != nil {
		return false
	}
	return enabled
}

// Connect opens the push channel if nothing is connected or dialing. The failure counter is kept.
func (m *Manager) Connect() error {
	return m.do(func() {
		m.idle = false
		switch m.state.Status {
		case domain.StatusConnecting, domain.StatusConnected:
			return
		}
		if m.state.Status == domain.StatusDegraded {
			m.sched.Cancel()
		}
		m.state.Status = domain.StatusConnecting
		m.state.NextRetryAt = time.Time{}
		m.startDial()
		m.publish()
	})
}

// Reconnect is the consumer's explicit retry: any state goes to connecting, the failure counter
// resets and automatic scheduling resumes. It is idempotent while a dial is in flight.
func (m *Manager) Reconnect() error {
	return m.do(m.reconnect)
}

// Refresh is Reconnect under the name UI code uses.
func (m *Manager) Refresh() error { return m.Reconnect() }

// NotifyOnline records that the network came back and wakes the manager.
func (m *Manager) NotifyOnline() error {
	return m.do(func() {
		m.state.NetworkOnline = true
		m.wake()
		m.publish()
	})
}

// NotifyVisible wakes the manager when the consumer becomes visible again.
func (m *Manager) NotifyVisible() error {
	return m.do(func() {
		m.wake()
		m.publish()
	})
}

// NotifyOffline records that the network is gone: retries and polling stop until it returns.
func (m *Manager) NotifyOffline() error {
	return m.do(func() {
		m.state.NetworkOnline = false
		m.halt()
		m.publish()
	})
}

// Disconnect closes the channel and stops retries and polling.
func (m *Manager) Disconnect() error {
	return m.do(func() {
		m.halt()
		m.idle = true
		m.state.ConsecutiveFailureCount = 0
		m.publish()
	})
}

// Upgrade is the polling engine's signal that the data path is healthy again.
// It does not reset the failure counter.
func (m *Manager) Upgrade() {
	m.post(func() {
		switch m.state.Status {
		case domain.StatusDegraded:
			m.sched.Fire(func() { m.retry(m.state.ConsecutiveFailureCount) })
		case domain.StatusOffline:
			if m.state.NetworkOnline && m.state.Strategy == domain.StrategyPolling && !m.dialing {
				m.log.Info().Msg("polling healthy while offline, trying push once")
				m.state.Status = domain.StatusConnecting
				m.startDial()
				m.publish()
			}
		}
	})
}

// SetPollingFallback enables or disables the polling floor.
func (m *Manager) SetPollingFallback(enabled bool) error {
	return m.do(func() {
		m.polling = enabled
		if !enabled {
			m.poller.Stop()
			if m.state.Strategy == domain.StrategyPolling {
				m.state.Strategy = domain.StrategyCacheOnly
			}
		} else if m.state.NetworkOnline && m.state.Status != domain.StatusConnected &&
			m.state.ConsecutiveFailureCount > 0 {
			m.state.Strategy = domain.StrategyPolling
			m.startPolling()
		}
		m.publish()
	})
}

// Shutdown stops every timer, the polling loop and the channel, then the actor.
func (m *Manager) Shutdown() {
	m.shutdown.Do(func() {
		_ = m.do(func() {
			m.halt()
			m.publish()
		})
		close(m.quit)
		<-m.stopped
		m.states.Close()
		m.log.Debug().Msg("connection manager stopped")
	})
}

func (m *Manager) reconnect() {
	m.idle = false
	m.sched.Cancel()
	m.state.ConsecutiveFailureCount = 0
	m.state.NextRetryAt = time.Time{}
	m.state.Status = domain.StatusConnecting
	if !m.dialing {
		m.teardown()
		if m.state.Strategy == domain.StrategyPush {
			m.state.Strategy = m.fallbackStrategy()
		}
		if m.state.Strategy == domain.StrategyPolling {
			m.startPolling()
		}
		m.startDial()
	}
	m.publish()
}

func (m *Manager) wake() {
	if m.idle {
		return
	}
	switch m.state.Status {
	case domain.StatusOffline:
		m.reconnect()
	case domain.StatusDegraded:
		if !m.dialing {
			m.sched.Fire(func() { m.retry(m.state.ConsecutiveFailureCount) })
		}
	}
}

// halt leaves the manager offline with nothing running.
func (m *Manager) halt() {
	m.sched.Cancel()
	m.poller.Stop()
	m.cancelDial()
	m.teardown()
	m.state.Status = domain.StatusOffline
	m.state.Strategy = domain.StrategyCacheOnly
	m.state.NextRetryAt = time.Time{}
	m.state.PollingFailureCount = 0
}

func (m *Manager) startDial() {
	if m.dialing {
		return
	}
	m.dialing = true
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	m.log.Debug().Uint64("gen", gen).Int("failures", m.state.ConsecutiveFailureCount).Msg("dialing")
	go func() {
		defer cancel()
		var (
			ch  domain.Channel
			err error
		)
		if err = m.limiter.Wait(ctx); err == nil {
			dctx, dcancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
			ch, err = m.transport.Dial(dctx)
			dcancel()
		}
		if !m.post(func() { m.dialed(gen, ch, err) }) && ch != nil {
			_ = ch.Close()
		}
	}()
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.dialing {
		m.dialing = false
		m.gen++
	}
}

func (m *Manager) dialed(gen uint64, ch domain.Channel, err error) {
	if gen != m.gen || !m.dialing {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	m.dialing = false
	m.dialCancel = nil
	if err != nil {
		m.failed(err)
		return
	}

	m.channel = ch
	m.sched.Cancel()
	m.poller.Stop()
	m.state.Status = domain.StatusConnected
	m.state.Strategy = domain.StrategyPush
	m.state.LastConnectedAt = m.clock.Now()
	m.state.ConsecutiveFailureCount = 0
	m.state.PollingFailureCount = 0
	m.state.NextRetryAt = time.Time{}

	m.registry.Attach(ch, func(err error) {
		m.post(func() { m.lost(gen, err) })
	})
	go func() {
		<-ch.Done()
		err := ch.Err()
		m.post(func() { m.lost(gen, err) })
	}()

	m.log.Info().Uint64("gen", gen).Msg("push channel connected")
	m.publish()
	if m.onConnected != nil {
		go m.onConnected()
	}
}

// lost handles channel loss or a failed handle on the current channel.
func (m *Manager) lost(gen uint64, err error) {
	if gen != m.gen || m.state.Status != domain.StatusConnected {
		return
	}
	if err == nil {
		err = domain.ErrChannelClosed
	}
	m.teardown()
	m.failed(err)
}

func (m *Manager) failed(err error) {
	m.state.ConsecutiveFailureCount++
	n := m.state.ConsecutiveFailureCount
	m.log.Warn().Err(err).Int("attempt", n).Int("max", m.sched.MaxAttempts()).Msg("push channel failed")

	if !m.state.NetworkOnline {
		m.halt()
		m.publish()
		return
	}

	delay, serr := m.sched.Schedule(n, func() {
		m.post(func() { m.retry(n) })
	})
	if errors.Is(serr, reconnect.ErrExhausted) {
		m.log.Error().Int("attempts", n).Msg("reconnect attempts exhausted, staying offline until reconnect")
		m.state.Status = domain.StatusOffline
		m.state.NextRetryAt = time.Time{}
	} else {
		m.log.Info().Dur("delay", delay).Int("attempt", n).Msg("retry scheduled")
		m.state.Status = domain.StatusDegraded
		m.state.NextRetryAt = m.clock.Now().Add(delay)
	}
	m.state.Strategy = m.fallbackStrategy()
	if m.state.Strategy == domain.StrategyPolling {
		m.startPolling()
	}
	m.publish()
}

// retry is the scheduled retry for failure n; stale firings are ignored.
func (m *Manager) retry(n int) {
	if m.state.Status != domain.StatusDegraded || m.state.ConsecutiveFailureCount != n || m.dialing {
		return
	}
	m.state.Status = domain.StatusConnecting
	m.state.NextRetryAt = time.Time{}
	m.startDial()
	m.publish()
}

func (m *Manager) startPolling() {
	if !m.polling || m.poller.Running() {
		return
	}
	m.poller.Start(m.since())
}

func (m *Manager) fallbackStrategy() domain.Strategy {
	if m.polling && m.state.NetworkOnline {
		return domain.StrategyPolling
	}
	return domain.StrategyCacheOnly
}

func (m *Manager) teardown() {
	m.registry.Detach()
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	m.gen++
}

func (m *Manager) publish() {
	if m.poller.Running() {
		m.state.PollingFailureCount = m.poller.Failures()
	}
	s := m.state
	prev := m.snapshot.Swap(&s)
	if prev.Status != s.Status || prev.Strategy != s.Strategy {
		m.log.Info().
			Str("status", string(s.Status)).
			Str("strategy", string(s.Strategy)).
			Int("failures", s.ConsecutiveFailureCount).
			Msg("connection state changed")
	}
	m.states.Publish(s)
}
