package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vn.io.arda/notification-delivery/internal/domain"
)

// provider is a scripted realtime server: it acks every subscribe except filters ending in
// ".bad", then pushes one change per subscription once push is closed.
type provider struct {
	auth  chan string
	push  chan struct{}
	drop  chan struct{}
	unsub chan string
}

func newProvider(t *testing.T) (*provider, string) {
	t.Helper()
	p := &provider{
		auth:  make(chan string, 1),
		push:  make(chan struct{}),
		drop:  make(chan struct{}),
		unsub: make(chan string, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.auth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		go func() {
			select {
			case <-p.drop:
				c.Close(websocket.StatusGoingAway, "restarting")
			case <-ctx.Done():
			}
		}()

		for {
			var f frame
			if err := wsjson.Read(ctx, c, &f); err != nil {
				return
			}
			switch f.Type {
			case "subscribe":
				if strings.HasSuffix(f.Filter, ".bad") {
					_ = wsjson.Write(ctx, c, frame{Type: "error", Ref: f.Ref, Message: "not allowed"})
					continue
				}
				_ = wsjson.Write(ctx, c, frame{Type: "ack", Ref: f.Ref})
				table := f.Table
				go func() {
					select {
					case <-p.push:
					case <-ctx.Done():
						return
					}
					_ = wsjson.Write(ctx, c, map[string]any{
						"type":      "change",
						"eventType": "INSERT",
						"table":     table,
						"new":       map[string]any{"id": "n1", "user_id": "u1"},
					})
				}()
			case "unsubscribe":
				p.unsub <- f.Ref
			}
		}
	}))
	t.Cleanup(srv.Close)
	return p, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) domain.Channel {
	t.Helper()
	tr, err := New(Options{URL: url, Token: "tok", AckTimeout: 2 * time.Second})
	require.NoError(t, err)
	ch, err := tr.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestTransport_SubscribeAndReceive(t *testing.T) {
	p, url := newProvider(t)
	ch := dial(t, url)
	assert.Equal(t, "Bearer tok", <-p.auth)

	h, err := ch.Subscribe(context.Background(), domain.Descriptor{
		Topic:  "user-tasks",
		Source: "task_notifications",
		Filter: "user_id=eq.u1",
	})
	require.NoError(t, err)
	close(p.push)

	select {
	case ev := <-h.Events():
		assert.Equal(t, domain.EventInsert, ev.Type)
		assert.Equal(t, "n1", ev.New.String("id"))
	case <-time.After(2 * time.Second):
		t.Fatal("no change event received")
	}

	require.NoError(t, h.Close())
	select {
	case ref := <-p.unsub:
		assert.NotEmpty(t, ref)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe frame not sent")
	}
}

func TestTransport_RejectedSubscription(t *testing.T) {
	_, url := newProvider(t)
	ch := dial(t, url)

	_, err := ch.Subscribe(context.Background(), domain.Descriptor{Source: "task_notifications", Filter: "user_id=eq.bad"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestTransport_ServerCloseFailsChannel(t *testing.T) {
	p, url := newProvider(t)
	ch := dial(t, url)
	h, err := ch.Subscribe(context.Background(), domain.Descriptor{Source: "notifications"})
	require.NoError(t, err)

	close(p.drop)

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel not failed after server close")
	}
	assert.Error(t, ch.Err())
	_, open := <-h.Events()
	assert.False(t, open)
}
