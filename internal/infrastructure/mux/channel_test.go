package mux_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

func TestDispatch_RoutesByDescriptor(t *testing.T) {
	c := mux.NewChannel(mux.Hooks{}, 4)
	alice, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "task_notifications", Filter: "user_id=eq.alice"})
	require.NoError(t, err)
	all, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "task_notifications"})
	require.NoError(t, err)

	n := c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "task_notifications", New: domain.Row{"id": "1", "user_id": "bob"}})
	assert.Equal(t, 1, n)
	n = c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "task_notifications", New: domain.Row{"id": "2", "user_id": "alice"}})
	assert.Equal(t, 2, n)
	n = c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "3"}})
	assert.Zero(t, n)

	assert.Equal(t, "2", (<-alice.Events()).New.String("id"))
	assert.Equal(t, "1", (<-all.Events()).New.String("id"))
}

func TestFail_EndsHandles(t *testing.T) {
	c := mux.NewChannel(mux.Hooks{}, 1)
	h, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	require.NoError(t, err)

	lost := errors.New("socket reset")
	c.Fail(lost)
	c.Fail(errors.New("ignored"))

	_, open := <-h.Events()
	assert.False(t, open)
	assert.ErrorIs(t, h.Err(), lost)
	assert.ErrorIs(t, c.Err(), lost)
	<-c.Done()

	_, err = c.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	assert.ErrorIs(t, err, lost)
}

func TestDispatch_OverflowEndsHandle(t *testing.T) {
	c := mux.NewChannel(mux.Hooks{}, 1)
	slow, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	require.NoError(t, err)

	assert.Equal(t, 1, c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "1"}}))
	assert.Zero(t, c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "2"}}))
	assert.Zero(t, c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "3"}}))

	ev, open := <-slow.Events()
	require.True(t, open)
	assert.Equal(t, "1", ev.New.String("id"))
	_, open = <-slow.Events()
	assert.False(t, open, "handle ends instead of silently skipping events")
	assert.ErrorIs(t, slow.Err(), mux.ErrHandleOverflow)
	assert.NoError(t, c.Err(), "other handles keep the channel")

	fresh, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Dispatch(domain.RawEvent{Type: domain.EventInsert, Source: "notifications", New: domain.Row{"id": "4"}}))
	assert.Equal(t, "4", (<-fresh.Events()).New.String("id"))
	assert.NoError(t, slow.Close())
}

func TestHooks(t *testing.T) {
	var joined, left []string
	closed := false
	c := mux.NewChannel(mux.Hooks{
		OnSubscribe: func(_ context.Context, d domain.Descriptor) error {
			if d.Source == "forbidden" {
				return errors.New("denied")
			}
			joined = append(joined, d.Source)
			return nil
		},
		OnUnsubscribe: func(d domain.Descriptor) { left = append(left, d.Source) },
		OnClose:       func() error { closed = true; return nil },
	}, 1)

	_, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "forbidden"})
	assert.Error(t, err)
	h, err := c.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	require.NoError(t, err)
	assert.Equal(t, 1, c.Handles())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.Equal(t, []string{"notifications"}, joined)
	assert.Equal(t, []string{"notifications"}, left)
	assert.Zero(t, c.Handles())

	require.NoError(t, c.Close())
	assert.True(t, closed)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := mux.DecodeEvent([]byte(`{"eventType":"INSERT","table":"notifications","new":{"id":"n1"},"old":null}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventInsert, ev.Type)
	assert.Equal(t, "notifications", ev.Source)
	assert.Equal(t, "n1", ev.Record().String("id"))

	ev, err = mux.DecodeEvent([]byte(`{"type":"delete","source":"facility_tasks","old":{"id":"7"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventDelete, ev.Type)
	assert.Equal(t, "7", ev.Record().String("id"))

	for _, bad := range []string{`{`, `{"eventType":"TRUNCATE","table":"x"}`, `{"eventType":"insert"}`} {
		_, err := mux.DecodeEvent([]byte(bad))
		assert.ErrorIs(t, err, mux.ErrBadEvent, bad)
	}
}
