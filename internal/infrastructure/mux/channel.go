// Package mux is the shared half of every transport: one physical stream of change events
// fanned out to the logical handles whose descriptor matches.
package mux

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/domain"
)

const DefaultBuffer = 256

// ErrHandleOverflow ends a handle whose consumer fell a full buffer behind.
// The subscriber sees a failed handle and recovers the gap by reloading.
var ErrHandleOverflow = errors.New("handle buffer overflow")

// Hooks let a transport react to handle lifecycle, e.g. by sending a join frame.
type Hooks struct {
	OnSubscribe   func(ctx context.Context, d domain.Descriptor) error
	OnUnsubscribe func(d domain.Descriptor)
	OnClose       func() error
}

// Channel implements domain.Channel over a single event stream fed through Dispatch.
type Channel struct {
	hooks  Hooks
	buffer int

	mu      sync.RWMutex
	handles map[*Handle]struct{}
	done    chan struct{}
	err     error
}

func NewChannel(hooks Hooks, buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Channel{
		hooks:   hooks,
		buffer:  buffer,
		handles: make(map[*Handle]struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Channel) Subscribe(ctx context.Context, d domain.Descriptor) (domain.Handle, error) {
	if err := c.closedErr(); err != nil {
		return nil, err
	}
	if c.hooks.OnSubscribe != nil {
		if err := c.hooks.OnSubscribe(ctx, d); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &Handle{ch: c, desc: d, events: make(chan domain.RawEvent, c.buffer)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.handles[h] = struct{}{}
	return h, nil
}

// Dispatch delivers ev to every matching handle and returns how many accepted it.
func (c *Channel) Dispatch(ev domain.RawEvent) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for h := range c.handles {
		if h.desc.Matches(ev) && h.send(ev) {
			n++
		}
	}
	return n
}

// Fail ends the channel and every handle with err. Only the first call has any effect.
func (c *Channel) Fail(err error) {
	if err == nil {
		err = domain.ErrChannelClosed
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	handles := c.handles
	c.handles = make(map[*Handle]struct{})
	close(c.done)
	c.mu.Unlock()

	for h := range handles {
		h.end(err)
	}
}

func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Channel) Close() error {
	c.Fail(domain.ErrChannelClosed)
	if c.hooks.OnClose != nil {
		return c.hooks.OnClose()
	}
	return nil
}

// Handles is the number of open handles.
func (c *Channel) Handles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// Descriptors lists the descriptors of the open handles.
func (c *Channel) Descriptors() []domain.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Descriptor, 0, len(c.handles))
	for h := range c.handles {
		out = append(out, h.desc)
	}
	return out
}

func (c *Channel) closedErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Channel) remove(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[h]; !ok {
		return false
	}
	delete(c.handles, h)
	return true
}

// Handle is one logical subscription on a Channel.
type Handle struct {
	ch     *Channel
	desc   domain.Descriptor
	events chan domain.RawEvent

	mu     sync.Mutex
	closed bool
	err    error
}

func (h *Handle) Events() <-chan domain.RawEvent { return h.events }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Close() error {
	if h.ch.remove(h) && h.ch.hooks.OnUnsubscribe != nil {
		h.ch.hooks.OnUnsubscribe(h.desc)
	}
	h.end(domain.ErrChannelClosed)
	return nil
}

func (h *Handle) send(ev domain.RawEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	select {
	case h.events <- ev:
		return true
	default:
		log.Warn().Str("topic", h.desc.Topic).Msg("handle buffer full, ending handle")
		h.closed = true
		h.err = ErrHandleOverflow
		close(h.events)
		return false
	}
}

func (h *Handle) end(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.err = err
	close(h.events)
}
