package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vn.io.arda/notification-delivery/internal/transport/mw"
)

// NewRouter sets up all Echo routes and middleware.
func NewRouter(h *Handler, jwtSecret string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Key"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
	}))

	// Health (no auth required)
	e.GET("/health", h.Health)

	// API, requires authentication
	v1 := e.Group("")
	v1.Use(mw.JWTAuth(jwtSecret))
	v1.Use(mw.TenantResolver())

	// REST endpoints
	v1.GET("/notifications", h.ListNotifications)
	v1.GET("/notifications/unread-count", h.GetUnreadCount)
	v1.PATCH("/notifications/:id/read", h.MarkRead)
	v1.POST("/notifications/read-all", h.MarkAllRead)
	v1.DELETE("/notifications/:id", h.Delete)

	// SSE endpoint
	v1.GET("/notifications/stream", h.Stream)

	// Connection control
	v1.GET("/connection", h.Connection)
	v1.POST("/connection/reconnect", h.Reconnect)
	v1.POST("/connection/online", h.Online)
	v1.POST("/connection/offline", h.Offline)
	v1.POST("/connection/visible", h.Visible)

	return e
}
