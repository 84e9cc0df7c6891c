package mux

import (
	"encoding/json"
	"errors"
	"fmt"

	"vn.io.arda/notification-delivery/internal/domain"
)

var ErrBadEvent = errors.New("malformed change event")

// envelope is the change-event shape shared by the database trigger, the change topic and the
// realtime server. "type" is accepted as an alias of "eventType", "source" of "table".
type envelope struct {
	EventType string     `json:"eventType"`
	Type      string     `json:"type"`
	Table     string     `json:"table"`
	Source    string     `json:"source"`
	Topic     string     `json:"topic"`
	New       domain.Row `json:"new"`
	Old       domain.Row `json:"old"`
}

// DecodeEvent parses one change event.
func DecodeEvent(data []byte) (domain.RawEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.RawEvent{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	kind := env.EventType
	if kind == "" {
		kind = env.Type
	}
	t, ok := domain.ParseEventType(kind)
	if !ok {
		return domain.RawEvent{}, fmt.Errorf("%w: event type %q", ErrBadEvent, kind)
	}
	source := env.Table
	if source == "" {
		source = env.Source
	}
	if source == "" {
		return domain.RawEvent{}, fmt.Errorf("%w: no table", ErrBadEvent)
	}
	return domain.RawEvent{Type: t, Topic: env.Topic, Source: source, New: env.New, Old: env.Old}, nil
}
