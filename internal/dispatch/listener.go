package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Listener is a bounded, non-blocking queue in front of one observer.
// A full listener drops the value and counts it; senders never stall.
type Listener[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	dropped atomic.Uint64
}

func NewListener[T any](size int) *Listener[T] {
	if size <= 0 {
		size = 1
	}
	return &Listener[T]{ch: make(chan T, size)}
}

// Send enqueues v and reports whether it was accepted.
func (m *Listener[T]) Send(v T) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- v:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

func (m *Listener[T]) C() <-chan T { return m.ch }

func (m *Listener[T]) Dropped() uint64 { return m.dropped.Load() }

// Close stops accepting values; queued values remain readable.
func (m *Listener[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Observe runs fn for every value until the listener is closed. A panicking fn is logged
// and the loop continues. The returned channel is closed when the loop exits.
func Observe[T any](m *Listener[T], fn func(T)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range m.ch {
			invoke(fn, v)
		}
	}()
	return done
}

func invoke[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("observer panicked")
		}
	}()
	fn(v)
}

// Broadcaster fans values out to any number of listeners.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	listeners map[*Listener[T]]struct{}
	closed    bool
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{listeners: make(map[*Listener[T]]struct{})}
}

// Listen registers a listener of the given size. cancel unregisters and closes it.
func (b *Broadcaster[T]) Listen(size int) (m *Listener[T], cancel func()) {
	m = NewListener[T](size)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		m.Close()
		return m, func() {}
	}
	b.listeners[m] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return m, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, m)
			b.mu.Unlock()
			m.Close()
		})
	}
}

// Publish delivers v to every listener without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for m := range b.listeners {
		if !m.Send(v) {
			log.Debug().Uint64("dropped", m.Dropped()).Msg("listener full, value dropped")
		}
	}
}

func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close closes every listener; later Listen calls get a closed listener.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for m := range b.listeners {
		m.Close()
		delete(b.listeners, m)
	}
}
