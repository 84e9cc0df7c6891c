package http

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Client represents a connected SSE client.
type Client struct {
	key  string
	send chan []byte
}

// Hub manages all active SSE client connections, grouped by session key.
// Single-instance model: sessions and streams live in this process.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]*Client // session key -> clients
}

// NewHub creates a new SSE Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string][]*Client),
	}
}

// Register adds a new SSE client.
func (h *Hub) Register(key string, send chan []byte) *Client {
	c := &Client{key: key, send: send}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[key] = append(h.clients[key], c)

	log.Debug().Str("session", key).Msg("SSE client connected")
	return c
}

// Unregister removes an SSE client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[c.key]
	updated := make([]*Client, 0, len(clients))
	for _, existing := range clients {
		if existing != c {
			updated = append(updated, existing)
		}
	}

	if len(updated) == 0 {
		delete(h.clients, c.key)
	} else {
		h.clients[c.key] = updated
	}

	log.Debug().Str("session", c.key).Msg("SSE client disconnected")
}

// Broadcast sends one SSE event to every stream of a session. Slow clients are skipped.
func (h *Hub) Broadcast(key, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.clients[key]
	if len(clients) == 0 {
		return
	}

	msg := buildSSEMessage(event, payload)
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			log.Warn().Str("session", key).Str("event", event).Msg("SSE client send buffer full, skipping")
		}
	}
}

// Count returns the number of streams open for a session.
func (h *Hub) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

// ConnectedCount returns the total number of connected SSE clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

// buildSSEMessage formats a payload as an SSE frame: "event: x\ndata: {...}\n\n".
func buildSSEMessage(event string, payload any) []byte {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("SSE payload not encodable")
		b = []byte("{}")
	}
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n")
}
