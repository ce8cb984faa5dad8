package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// RealtimeHandler exposes the websocket endpoint and hub introspection.
type RealtimeHandler struct {
	hub    *realtime.Hub
	guard  *Guard
	logger *zap.Logger
}

func NewRealtimeHandler(hub *realtime.Hub, guard *Guard, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, guard: guard, logger: logger}
}

func (h *RealtimeHandler) Register(e *echo.Echo) {
	g := e.Group("/api/realtime")
	g.GET("/ws", h.Serve)
	g.GET("/stats", h.Stats, h.guard.RequireAuth)
	g.GET("/health", h.Health)
}

// Serve upgrades the connection and hands it to the hub. Authentication
// happens in-band over the socket protocol.
func (h *RealtimeHandler) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	h.hub.Connect(conn)
	return nil
}

func (h *RealtimeHandler) Stats(c echo.Context) error {
	return ok(c, http.StatusOK, h.hub.Stats())
}

func (h *RealtimeHandler) Health(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": h.hub.Stats().Sessions,
	})
}
