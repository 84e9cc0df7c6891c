package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/application"
	"vn.io.arda/notification-delivery/internal/domain"
)

var ErrPoolClosed = errors.New("session pool closed")

const (
	changeBuffer = 64
	stateBuffer  = 16
	backfillWait = 10 * time.Second
)

// Factory builds the delivery service of one session. key is unique per tenant and user.
type Factory func(key string) (*application.Service, error)

// Session is one user's delivery instance plus the pump feeding its SSE streams.
type Session struct {
	Key    string
	Tenant string
	UserID string

	svc      *application.Service
	mu       sync.Mutex
	lastSeen time.Time
	stop     func()
}

func (s *Session) Service() *application.Service { return s.svc }

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen.Before(cutoff)
}

func (s *Session) close() {
	s.svc.Shutdown()
	s.stop()
}

type PoolOptions struct {
	Factory Factory
	Catalog domain.Catalog
	// Topics each session subscribes to; non-broadcast topics are filtered by the user id.
	Topics []string
	// Backfill runs an initial load when a session is created.
	Backfill bool
	Hub      *Hub
	Clock    clockwork.Clock
}

// Pool holds one Session per authenticated user, created on first use.
type Pool struct {
	opts PoolOptions
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewPool(opts PoolOptions) *Pool {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	return &Pool{
		opts:     opts,
		log:      log.With().Str("component", "sessions").Logger(),
		sessions: make(map[string]*Session),
	}
}

func sessionKey(tenant, userID string) string {
	return tenant + ":" + userID
}

// Get returns the user's session, creating and connecting it on first use.
func (p *Pool) Get(tenant, userID string) (*Session, error) {
	key := sessionKey(tenant, userID)
	now := p.opts.Clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if s, ok := p.sessions[key]; ok {
		s.touch(now)
		return s, nil
	}

	s, err := p.open(key, tenant, userID)
	if err != nil {
		return nil, err
	}
	s.touch(now)
	p.sessions[key] = s
	p.log.Info().Str("session", key).Int("sessions", len(p.sessions)).Msg("session opened")
	return s, nil
}

func (p *Pool) open(key, tenant, userID string) (*Session, error) {
	svc, err := p.opts.Factory(key)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}
	s := &Session{Key: key, Tenant: tenant, UserID: userID, svc: svc}

	for _, name := range p.opts.Topics {
		t, err := p.opts.Catalog.Lookup(name)
		if err != nil {
			svc.Shutdown()
			return nil, err
		}
		filter := ""
		if !t.Broadcast {
			filter = userID
		}
		topic := name
		if _, err := svc.Subscribe(name, filter, func(c domain.Change) {
			p.log.Debug().Str("session", key).Str("topic", topic).Str("kind", string(c.Kind)).Str("id", c.Notification.ID).Msg("change delivered")
		}); err != nil {
			svc.Shutdown()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}

	s.stop = p.pump(s)
	if err := svc.Connect(); err != nil {
		s.close()
		return nil, fmt.Errorf("connect session %s: %w", key, err)
	}
	if p.opts.Backfill {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backfillWait)
			defer cancel()
			if _, err := svc.InitialLoad(ctx); err != nil {
				p.log.Warn().Err(err).Str("session", key).Msg("initial load incomplete")
			}
		}()
	}
	return s, nil
}

// pump forwards the session's changes and connection states to its SSE streams.
func (p *Pool) pump(s *Session) func() {
	changes, stopChanges := s.svc.WatchChanges(changeBuffer)
	states, stopStates := s.svc.WatchState(stateBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cc, sc := changes.C(), states.C()
		for cc != nil || sc != nil {
			select {
			case c, ok := <-cc:
				if !ok {
					cc = nil
					continue
				}
				p.opts.Hub.Broadcast(s.Key, "notification", c)
			case st, ok := <-sc:
				if !ok {
					sc = nil
					continue
				}
				p.opts.Hub.Broadcast(s.Key, "connection", st)
			}
		}
	}()
	return func() {
		stopChanges()
		stopStates()
		<-done
	}
}

// Reap closes sessions idle since before cutoff that have no open stream.
func (p *Pool) Reap(cutoff time.Time) int {
	p.mu.Lock()
	var idle []*Session
	for key, s := range p.sessions {
		if s.idleSince(cutoff) && p.opts.Hub.Count(key) == 0 {
			idle = append(idle, s)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	for _, s := range idle {
		s.close()
		p.log.Info().Str("session", s.Key).Msg("idle session closed")
	}
	return len(idle)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Shutdown closes every session; later Get calls fail with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close()
		}(s)
	}
	wg.Wait()
	p.log.Info().Int("sessions", len(sessions)).Msg("session pool shut down")
}
