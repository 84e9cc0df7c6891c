// Package wire converts every external row shape into the one canonical domain.Notification.
// Each source registers its adapter via init(), so adding a stream never touches the router.
package wire

import (
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/domain"
)

// Action tells the dispatcher whether to upsert or drop the decoded notification.
type Action int

const (
	ActionUpsert Action = iota
	ActionRemove
)

// Decoded is the result of adapting one raw event.
type Decoded struct {
	Notification domain.Notification
	Action       Action
}

// Adapter maps a raw change event to a Decoded notification.
// Returning ok=false means "skip this event".
type Adapter func(ev domain.RawEvent) (Decoded, bool)

var adapters = map[string]Adapter{}

// Register binds an adapter to a source table.
// Should be called from each adapter file's init() function.
// Panics on duplicate registration to catch config mistakes early.
func Register(source string, a Adapter) {
	if _, exists := adapters[source]; exists {
		panic("wire: duplicate adapter registered for source: " + source)
	}
	adapters[source] = a
}

// Registered reports whether an adapter exists for source.
func Registered(source string) bool {
	_, ok := adapters[source]
	return ok
}

// Decode adapts ev and stamps the logical topic it arrived on.
// Returns ok=false if no adapter is registered or the payload cannot be used.
func Decode(topic string, ev domain.RawEvent) (Decoded, bool) {
	a, ok := adapters[ev.Source]
	if !ok {
		log.Debug().Str("source", ev.Source).Msg("wire: no adapter registered")
		return Decoded{}, false
	}
	d, ok := a(ev)
	if !ok {
		log.Warn().Str("source", ev.Source).Str("event", string(ev.Type)).Msg("wire: adapter skipped event")
		return Decoded{}, false
	}
	d.Notification.SourceTopic = topic
	return d, true
}

// DecodeAll adapts a polled batch, dropping events that do not decode.
func DecodeAll(topic string, evs []domain.RawEvent) []Decoded {
	out := make([]Decoded, 0, len(evs))
	for _, ev := range evs {
		if d, ok := Decode(topic, ev); ok {
			out = append(out, d)
		}
	}
	return out
}
