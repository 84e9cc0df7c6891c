package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"vn.io.arda/notification-delivery/internal/domain"
)

const streamBuffer = 32

// Handler holds all HTTP handler methods.
type Handler struct {
	pool      *Pool
	hub       *Hub
	keepAlive time.Duration
}

// NewHandler creates a new Handler.
func NewHandler(pool *Pool, hub *Hub) *Handler {
	return &Handler{pool: pool, hub: hub, keepAlive: 30 * time.Second}
}

// --- REST Handlers ---

// ListNotifications GET /notifications
func (h *Handler) ListNotifications(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}

	all := s.Service().Notifications()
	unreadOnly := c.QueryParam("unread") == "true"
	topic := c.QueryParam("topic")
	data := make([]domain.Notification, 0, len(all))
	for _, n := range all {
		if unreadOnly && n.Read {
			continue
		}
		if topic != "" && n.SourceTopic != topic {
			continue
		}
		data = append(data, n)
	}
	if limit := parseIntQuery(c, "limit", 0); limit > 0 && len(data) > limit {
		data = data[len(data)-limit:]
	}

	return c.JSON(http.StatusOK, map[string]any{
		"data":  data,
		"total": len(all),
		"state": s.Service().State(),
	})
}

// GetUnreadCount GET /notifications/unread-count
func (h *Handler) GetUnreadCount(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"count": s.Service().UnreadCount()})
}

// MarkRead PATCH /notifications/:id/read
func (h *Handler) MarkRead(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	changed := s.Service().Acknowledge(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]bool{"changed": changed})
}

// MarkAllRead POST /notifications/read-all
func (h *Handler) MarkAllRead(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"marked": s.Service().AcknowledgeAll()})
}

// Delete DELETE /notifications/:id
func (h *Handler) Delete(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if !s.Service().Dismiss(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Connection Handlers ---

// Connection GET /connection
func (h *Handler) Connection(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"state": s.Service().State(),
		"stats": s.Service().Stats(),
	})
}

// Reconnect POST /connection/reconnect
func (h *Handler) Reconnect(c echo.Context) error {
	return h.signal(c, func(s *Session) error { return s.Service().Reconnect() })
}

// Online POST /connection/online
func (h *Handler) Online(c echo.Context) error {
	return h.signal(c, func(s *Session) error { return s.Service().NotifyOnline() })
}

// Offline POST /connection/offline
func (h *Handler) Offline(c echo.Context) error {
	return h.signal(c, func(s *Session) error { return s.Service().NotifyOffline() })
}

// Visible POST /connection/visible
func (h *Handler) Visible(c echo.Context) error {
	return h.signal(c, func(s *Session) error { return s.Service().NotifyVisible() })
}

func (h *Handler) signal(c echo.Context, fn func(*Session) error) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, s.Service().State())
}

// --- SSE Handler ---

// Stream GET /notifications/stream: SSE of notification changes and connection states
func (h *Handler) Stream(c echo.Context) error {
	s, err := h.session(c)
	if err != nil {
		return err
	}

	// SSE headers
	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable Nginx/APISIX buffering

	sendCh := make(chan []byte, streamBuffer)
	client := h.hub.Register(s.Key, sendCh)
	defer h.hub.Unregister(client)

	// Initial event carries the current connection state
	if _, err := w.Write(buildSSEMessage("connection", s.Service().State())); err != nil {
		return nil
	}
	w.Flush()

	log.Info().Str("session", s.Key).Msg("SSE stream opened")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case msg := <-sendCh:
			if _, err := w.Write(msg); err != nil {
				return nil
			}
			w.Flush()

		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			w.Flush()
			s.touch(time.Now())

		case <-ctx.Done():
			log.Info().Str("session", s.Key).Msg("SSE stream closed by client")
			return nil
		}
	}
}

// --- Healthcheck ---

// Health GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    h.pool.Len(),
		"sse_clients": h.hub.ConnectedCount(),
	})
}

// --- Helpers ---

func (h *Handler) session(c echo.Context) (*Session, error) {
	tenantKey, userID := mustClaims(c)
	s, err := h.pool.Get(tenantKey, userID)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
		}
		log.Error().Err(err).Str("user", userID).Msg("session unavailable")
		return nil, echo.ErrInternalServerError
	}
	return s, nil
}

func mustClaims(c echo.Context) (tenantKey, userID string) {
	tenantKey = c.Get("tenantKey").(string)
	userID = c.Get("userID").(string)
	return
}

func parseIntQuery(c echo.Context, key string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
