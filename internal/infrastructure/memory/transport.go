// Package memory provides in-process implementations of the transport, store and snapshot
// ports. The gateway uses them for the "memory" driver; tests use them as doubles.
package memory

import (
	"context"
	"errors"
	"sync"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

// ErrDialRefused is returned by dials failed through FailNext.
var ErrDialRefused = errors.New("memory transport: dial refused")

// Transport is an in-process push provider. Every open channel sees every published event.
type Transport struct {
	mu       sync.Mutex
	channels map[*mux.Channel]struct{}
	dials    int
	failNext int
	hook     func(ctx context.Context) error
}

func NewTransport() *Transport {
	return &Transport{channels: make(map[*mux.Channel]struct{})}
}

func (t *Transport) Dial(ctx context.Context) (domain.Channel, error) {
	t.mu.Lock()
	t.dials++
	hook := t.hook
	fail := t.failNext > 0
	if fail {
		t.failNext--
	}
	t.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, ErrDialRefused
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ch *mux.Channel
	ch = mux.NewChannel(mux.Hooks{OnClose: func() error {
		t.mu.Lock()
		delete(t.channels, ch)
		t.mu.Unlock()
		return nil
	}}, 0)
	t.mu.Lock()
	t.channels[ch] = struct{}{}
	t.mu.Unlock()
	return ch, nil
}

// FailNext makes the next n dials fail with ErrDialRefused.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// SetDialHook runs hook at the start of every dial; a non-nil error fails the dial.
// A hook may block on ctx to simulate a slow provider.
func (t *Transport) SetDialHook(hook func(ctx context.Context) error) {
	t.mu.Lock()
	t.hook = hook
	t.mu.Unlock()
}

// Dials is the number of Dial calls so far.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// OpenChannels is the number of channels not yet closed or dropped.
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Handles is the number of open handles across channels.
func (t *Transport) Handles() int {
	n := 0
	for _, ch := range t.snapshot() {
		n += ch.Handles()
	}
	return n
}

// Publish delivers ev to every open channel and returns the number of handles reached.
func (t *Transport) Publish(ev domain.RawEvent) int {
	n := 0
	for _, ch := range t.snapshot() {
		n += ch.Dispatch(ev)
	}
	return n
}

// Drop fails every open channel with err, as a lost connection would.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	chans := make([]*mux.Channel, 0, len(t.channels))
	for ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = make(map[*mux.Channel]struct{})
	t.mu.Unlock()

	for _, ch := range chans {
		ch.Fail(err)
	}
}

func (t *Transport) snapshot() []*mux.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*mux.Channel, 0, len(t.channels))
	for ch := range t.channels {
		out = append(out, ch)
	}
	return out
}
