package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrChannelClosed is reported by handles and channels closed by their owner.
var ErrChannelClosed = errors.New("transport channel closed")

// EventType is the kind of row change carried by a push event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ParseEventType accepts both lower and upper case provider spellings.
func ParseEventType(s string) (EventType, bool) {
	switch EventType(strings.ToLower(s)) {
	case EventInsert:
		return EventInsert, true
	case EventUpdate:
		return EventUpdate, true
	case EventDelete:
		return EventDelete, true
	}
	return "", false
}

// RawEvent is a change event as it comes off a transport, before adaptation.
type RawEvent struct {
	Type   EventType `json:"eventType"`
	Topic  string    `json:"topic,omitempty"`
	Source string    `json:"table"`
	New    Row       `json:"new,omitempty"`
	Old    Row       `json:"old,omitempty"`
}

// Record returns the row describing the entity after the change, or before it for deletes.
func (e RawEvent) Record() Row {
	if e.Type == EventDelete || len(e.New) == 0 {
		return e.Old
	}
	return e.New
}

// Descriptor names one logical push subscription on a channel.
type Descriptor struct {
	Topic  string
	Source string
	Events []EventType
	// Filter is "column=eq.value"; empty for broadcast subscriptions.
	Filter string
}

// Wants reports whether the event type is part of the descriptor.
func (d Descriptor) Wants(t EventType) bool {
	if len(d.Events) == 0 {
		return true
	}
	for _, e := range d.Events {
		if e == t {
			return true
		}
	}
	return false
}

// FilterParts splits Filter into column and value.
func (d Descriptor) FilterParts() (column, value string, ok bool) {
	column, value, ok = strings.Cut(d.Filter, "=eq.")
	if !ok || column == "" {
		return "", "", false
	}
	return column, value, true
}

// Matches applies the descriptor to an event seen on a shared stream.
func (d Descriptor) Matches(ev RawEvent) bool {
	if ev.Source != d.Source || !d.Wants(ev.Type) {
		return false
	}
	column, value, ok := d.FilterParts()
	if !ok {
		return true
	}
	return ev.Record().String(column) == value
}

// EqFilter builds a Descriptor filter.
func EqFilter(column, value string) string {
	if column == "" {
		return ""
	}
	return column + "=eq." + value
}

// Transport opens connections to the push provider.
type Transport interface {
	Dial(ctx context.Context) (Channel, error)
}

// Channel is one live connection. Done is closed when the connection is lost or closed;
// Err then explains why.
type Channel interface {
	Subscribe(ctx context.Context, d Descriptor) (Handle, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Handle is one logical subscription on a channel. Events is closed when the handle ends.
type Handle interface {
	Events() <-chan RawEvent
	Err() error
	Close() error
}

// Row is a loosely typed database row as decoded from JSON.
type Row map[string]any

func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "t"
	}
	return false
}

func (r Row) Map(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

var rowTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

// Time parses timestamptz / timestamp columns as rendered by row_to_json or the provider.
// Timestamps without a zone are taken as UTC.
func (r Row) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
