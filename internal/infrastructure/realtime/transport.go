// Package realtime connects to a websocket realtime provider that streams row changes for the
// tables a client subscribes to.
//
// Frames are JSON objects with a "type" field:
//
//	-> {"type":"subscribe","ref":"…","topic":"…","table":"…","events":[…],"filter":"col=eq.v"}
//	<- {"type":"ack","ref":"…"} or {"type":"error","ref":"…","message":"…"}
//	-> {"type":"unsubscribe","ref":"…"}
//	<- {"type":"change","eventType":"INSERT","table":"…","new":{…},"old":{…}}
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"vn.io.arda/notification-delivery/internal/domain"
	"vn.io.arda/notification-delivery/internal/infrastructure/mux"
)

const (
	DefaultHeartbeat  = 25 * time.Second
	DefaultAckTimeout = 5 * time.Second

	readLimit = 1 << 20
)

// ErrRejected is returned by Subscribe when the provider answers with an error frame.
var ErrRejected = errors.New("realtime: subscription rejected")

type Options struct {
	URL string
	// Token is sent as a bearer Authorization header on the upgrade request.
	Token      string
	Heartbeat  time.Duration
	AckTimeout time.Duration
}

// Transport dials one websocket per channel.
type Transport struct {
	opts Options
}

func New(opts Options) (*Transport, error) {
	if opts.URL == "" {
		return nil, errors.New("realtime: url is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Transport{opts: opts}, nil
}

func (t *Transport) Dial(ctx context.Context) (domain.Channel, error) {
	var header http.Header
	if t.opts.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + t.opts.Token}}
	}
	conn, _, err := websocket.Dial(ctx, t.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:       conn,
		cancel:     cancel,
		ackTimeout: t.opts.AckTimeout,
		pending:    make(map[string]chan error),
		subs:       make(map[string]*serverSub),
	}
	s.ch = mux.NewChannel(mux.Hooks{
		OnSubscribe:   s.subscribe,
		OnUnsubscribe: s.unsubscribe,
		OnClose:       s.close,
	}, 0)

	go s.read(runCtx)
	go s.heartbeat(runCtx, t.opts.Heartbeat)
	log.Info().Str("url", t.opts.URL).Msg("realtime connection opened")
	return s.ch, nil
}

type frame struct {
	Type    string             `json:"type"`
	Ref     string             `json:"ref,omitempty"`
	Topic   string             `json:"topic,omitempty"`
	Table   string             `json:"table,omitempty"`
	Events  []domain.EventType `json:"events,omitempty"`
	Filter  string             `json:"filter,omitempty"`
	Message string             `json:"message,omitempty"`
}

// serverSub is one provider-side subscription shared by every handle with the same key.
type serverSub struct {
	ref   string
	count int
}

type session struct {
	conn       *websocket.Conn
	ch         *mux.Channel
	cancel     context.CancelFunc
	ackTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan error
	subs    map[string]*serverSub
}

func subKey(d domain.Descriptor) string {
	return d.Source + "|" + d.Filter
}

func (s *session) subscribe(ctx context.Context, d domain.Descriptor) error {
	key := subKey(d)
	s.mu.Lock()
	if sub, ok := s.subs[key]; ok {
		sub.count++
		s.mu.Unlock()
		return nil
	}
	ref := uuid.NewString()
	reply := make(chan error, 1)
	s.pending[ref] = reply
	s.mu.Unlock()

	err := wsjson.Write(ctx, s.conn, frame{
		Type:   "subscribe",
		Ref:    ref,
		Topic:  d.Topic,
		Table:  d.Source,
		Events: d.Events,
		Filter: d.Filter,
	})
	if err != nil {
		err = fmt.Errorf("realtime: send subscribe: %w", err)
	} else {
		ackCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
		select {
		case err = <-reply:
		case <-ackCtx.Done():
			err = fmt.Errorf("realtime: awaiting ack for %s: %w", d.Source, ackCtx.Err())
		case <-s.ch.Done():
			err = s.ch.Err()
		}
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, ref)
	if err != nil {
		return err
	}
	if sub, ok := s.subs[key]; ok {
		sub.count++
		return nil
	}
	s.subs[key] = &serverSub{ref: ref, count: 1}
	log.Debug().Str("topic", d.Topic).Str("table", d.Source).Str("ref", ref).Msg("realtime subscription acknowledged")
	return nil
}

func (s *session) unsubscribe(d domain.Descriptor) {
	key := subKey(d)
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.count--
	if sub.count > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.subs, key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, frame{Type: "unsubscribe", Ref: sub.ref}); err != nil {
		log.Debug().Err(err).Str("table", d.Source).Msg("realtime unsubscribe not sent")
	}
}

func (s *session) read(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.ch.Fail(domain.ErrChannelClosed)
			} else {
				s.ch.Fail(fmt.Errorf("realtime read: %w", err))
			}
			s.cancel()
			return
		}
		s.handle(data)
	}
}

func (s *session) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Msg("realtime: dropping malformed frame")
		return
	}
	switch f.Type {
	case "ack", "error":
		s.mu.Lock()
		reply, ok := s.pending[f.Ref]
		s.mu.Unlock()
		if !ok {
			return
		}
		var err error
		if f.Type == "error" {
			err = fmt.Errorf("%w: %s", ErrRejected, f.Message)
		}
		select {
		case reply <- err:
		default:
		}
	case "change":
		ev, err := mux.DecodeEvent(data)
		if err != nil {
			log.Warn().Err(err).Msg("realtime: dropping change")
			return
		}
		s.ch.Dispatch(ev)
	default:
		log.Debug().Str("type", f.Type).Msg("realtime: ignoring frame")
	}
}

// heartbeat pings the provider; a missed pong fails the channel.
func (s *session) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.ch.Fail(fmt.Errorf("realtime heartbeat: %w", err))
				s.cancel()
				s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *session) close() error {
	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == -1 {
		log.Debug().Err(err).Msg("realtime close")
	}
	return nil
}
