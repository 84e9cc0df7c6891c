// Package reconnect computes backoff delays and owns the single pending retry timer.
// It never opens channels itself; a firing timer only calls back into the connection manager.
package reconnect

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jpillora/backoff"
)

// ErrExhausted is returned by Schedule once the failure count reaches the retry ceiling.
var ErrExhausted = errors.New("reconnect attempts exhausted")

const (
	DefaultBase        = time.Second
	DefaultCap         = 30 * time.Second
	DefaultMaxAttempts = 5
)

type Config struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool
}

type Scheduler struct {
	mu    sync.Mutex
	clock clockwork.Clock
	b     *backoff.Backoff
	max   int

	timer  clockwork.Timer
	seq    uint64
	nextAt time.Time
}

func New(cfg Config, clock clockwork.Clock) *Scheduler {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = max(DefaultCap, cfg.Base)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock: clock,
		b: &backoff.Backoff{
			Min:    cfg.Base,
			Max:    cfg.Cap,
			Factor: 2,
			Jitter: cfg.Jitter,
		},
		max: cfg.MaxAttempts,
	}
}

// MaxAttempts is the retry ceiling.
func (s *Scheduler) MaxAttempts() int { return s.max }

// Delay is the wait before the retry that follows failure n (n starts at 1):
// min(base * 2^(n-1), cap).
func (s *Scheduler) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return s.b.ForAttempt(float64(n - 1))
}

// Schedule replaces any pending timer with one that calls fire after Delay(n).
// Once n >= MaxAttempts nothing is scheduled and ErrExhausted is returned.
func (s *Scheduler) Schedule(n int, fire func()) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	if n >= s.max {
		return 0, ErrExhausted
	}

	delay := s.Delay(n)
	s.seq++
	seq := s.seq
	s.nextAt = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.seq != seq || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.nextAt = time.Time{}
		s.mu.Unlock()
		fire()
	})
	return delay, nil
}

// Fire runs the pending retry now instead of waiting. It reports false when nothing is pending.
func (s *Scheduler) Fire(fire func()) bool {
	s.mu.Lock()
	pending := s.timer != nil
	s.cancelLocked()
	s.mu.Unlock()
	if pending {
		fire()
	}
	return pending
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Pending reports whether a retry timer is armed and when it fires.
func (s *Scheduler) Pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAt, s.timer != nil
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
	s.nextAt = time.Time{}
}
