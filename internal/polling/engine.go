// Package polling is the pull-based floor used while push delivery is unavailable.
package polling

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/domain"
)

const (
	DefaultBase    = 5 * time.Second
	DefaultMax     = 30 * time.Second
	DefaultTimeout = 4 * time.Second
	DefaultLimit   = 100
	growth         = 1.5
)

type Config struct {
	Base    time.Duration
	Max     time.Duration
	Timeout time.Duration
	Limit   int
}

// Sink receives the new rows of one target, ascending by created_at.
type Sink func(target domain.PollTarget, evs []domain.RawEvent)

type cursor struct {
	at time.Time
	// ids already delivered at exactly `at`; the query is inclusive.
	seen map[string]struct{}
}

// Engine runs at most one polling loop at a time.
type Engine struct {
	store     domain.Store
	targets   func() []domain.PollTarget
	sink      Sink
	onUpgrade func()
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	failures int
	since    time.Time
	cursors  map[string]*cursor
}

// New builds an engine. targets is consulted on every round; onUpgrade is called (on its own
// goroutine) when the failure counter returns to zero after a successful poll.
func New(store domain.Store, targets func() []domain.PollTarget, sink Sink, onUpgrade func(), cfg Config, clock clockwork.Clock) *Engine {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Max < cfg.Base {
		cfg.Max = max(DefaultMax, cfg.Base)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if onUpgrade == nil {
		onUpgrade = func() {}
	}
	return &Engine{
		store:     store,
		targets:   targets,
		sink:      sink,
		onUpgrade: onUpgrade,
		cfg:       cfg,
		clock:     clock,
		log:       log.With().Str("component", "polling").Logger(),
		cursors:   make(map[string]*cursor),
	}
}

// Start begins polling rows created at or after since. Returns false if a loop is already running.
func (e *Engine) Start(since time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.failures = 0
	e.since = since
	e.cursors = make(map[string]*cursor)

	e.log.Info().Time("since", since).Msg("polling started")
	go e.run(ctx, e.done)
	return true
}

// Stop cancels the loop and waits for it to exit. Safe to call when not running.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.log.Info().Msg("polling stopped")
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Interval is min(base * 1.5^failures, max).
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.intervalLocked()
}

func (e *Engine) intervalLocked() time.Duration {
	d := float64(e.cfg.Base) * math.Pow(growth, float64(e.failures))
	if d >= float64(e.cfg.Max) {
		return e.cfg.Max
	}
	return time.Duration(d)
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		e.round(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := e.clock.NewTimer(e.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

// round polls every target once. One failing target fails the round.
func (e *Engine) round(ctx context.Context) {
	timeout := e.cfg.Timeout
	if interval := e.Interval(); timeout >= interval {
		timeout = interval * 4 / 5
	}

	var roundErr error
	for _, target := range e.targets() {
		if ctx.Err() != nil {
			return
		}
		if err := e.poll(ctx, target, timeout); err != nil {
			roundErr = err
			e.log.Warn().Err(err).Str("topic", target.Topic).Str("source", target.Source).Msg("poll failed")
			break
		}
	}
	if ctx.Err() != nil {
		return
	}

	e.mu.Lock()
	upgrade := false
	if roundErr != nil {
		e.failures++
	} else if e.failures > 0 {
		e.failures--
		upgrade = e.failures == 0
	}
	failures := e.failures
	e.mu.Unlock()

	if roundErr != nil {
		e.log.Debug().Int("failures", failures).Msg("polling interval lengthened")
	}
	if upgrade {
		e.log.Info().Msg("polling healthy, requesting push upgrade")
		go e.onUpgrade()
	}
}

func (e *Engine) poll(ctx context.Context, target domain.PollTarget, timeout time.Duration) error {
	e.mu.Lock()
	cur, ok := e.cursors[target.Key()]
	if !ok {
		cur = &cursor{at: e.since, seen: map[string]struct{}{}}
		e.cursors[target.Key()] = cur
	}
	since := cur.at
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	evs, err := e.store.PollSince(pctx, target, since, e.cfg.Limit)
	if err != nil {
		return err
	}

	e.mu.Lock()
	fresh := evs[:0:0]
	for _, ev := range evs {
		row := ev.Record()
		at, _ := row.Time("created_at")
		id := row.String("id")
		if at.Equal(cur.at) {
			if _, dup := cur.seen[id]; dup {
				continue
			}
		}
		if at.After(cur.at) {
			cur.at = at
			cur.seen = map[string]struct{}{}
		}
		if at.Equal(cur.at) {
			cur.seen[id] = struct{}{}
		}
		fresh = append(fresh, ev)
	}
	e.mu.Unlock()

	if len(fresh) > 0 {
		e.sink(target, fresh)
	}
	return nil
}
