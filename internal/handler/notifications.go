package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/notify"
)

// NotificationsHandler serves the dispatcher endpoints.
type NotificationsHandler struct {
	dispatcher *notify.Dispatcher
	guard      *Guard
	production bool
}

func NewNotificationsHandler(dispatcher *notify.Dispatcher, guard *Guard, production bool) *NotificationsHandler {
	return &NotificationsHandler{dispatcher: dispatcher, guard: guard, production: production}
}

func (h *NotificationsHandler) Register(e *echo.Echo) {
	g := e.Group("/api/notifications")
	g.POST("/send", h.Send, h.guard.RequireAuth)
	g.GET("/preferences", h.GetPreferences, h.guard.RequireAuth)
	g.PUT("/preferences", h.SetPreferences, h.guard.RequireAuth)
	g.GET("/user/:userId", h.ListForUser, h.guard.RequirePermission("read:own_notification"))
	g.GET("/:id", h.Get, h.guard.RequireAuth)
	g.POST("/:id/delivered", h.MarkDelivered, h.guard.RequireAuth)
	g.POST("/:id/read", h.MarkRead, h.guard.RequireAuth)
}

func (h *NotificationsHandler) Send(c echo.Context) error {
	var body struct {
		RecipientID string          `json:"recipientId"`
		Channel     notify.Channel  `json:"channel"`
		TemplateID  string          `json:"templateId"`
		Content     string          `json:"content"`
		Priority    notify.Priority `json:"priority"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	if body.Priority == "" {
		body.Priority = notify.PriorityNormal
	}
	ident, _ := identity(c)
	rec, err := h.dispatcher.Send(c.Request().Context(), ident, body.RecipientID, body.Channel, body.TemplateID, body.Content, body.Priority)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusCreated, rec)
}

// Get returns a single notification. Same ownership rule as ListForUser:
// only the recipient or an operator may read it.
func (h *NotificationsHandler) Get(c echo.Context) error {
	rec, err := h.dispatcher.Get(c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	ident, _ := identity(c)
	if ident.UserID != rec.RecipientID && !adminLike(ident.Role) {
		return fail(c, http.StatusForbidden, CodeForbidden, "may only read own notifications")
	}
	return ok(c, http.StatusOK, rec)
}

// ListForUser returns a user's notifications. Customers may only list their
// own; the permission wildcard lets operators list anyone's.
func (h *NotificationsHandler) ListForUser(c echo.Context) error {
	ident, _ := identity(c)
	userID := c.Param("userId")
	if ident.UserID != userID && !adminLike(ident.Role) {
		return fail(c, http.StatusForbidden, CodeForbidden, "may only list own notifications")
	}
	return ok(c, http.StatusOK, map[string]interface{}{"notifications": h.dispatcher.ListForUser(userID)})
}

func (h *NotificationsHandler) SetPreferences(c echo.Context) error {
	var body notify.Preferences
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	h.dispatcher.SetPreferences(ident.UserID, body)
	return ok(c, http.StatusOK, body)
}

func (h *NotificationsHandler) GetPreferences(c echo.Context) error {
	ident, _ := identity(c)
	prefs, found := h.dispatcher.GetPreferences(ident.UserID)
	if !found {
		return ok(c, http.StatusOK, map[string]interface{}{"configured": false})
	}
	return ok(c, http.StatusOK, prefs)
}

func (h *NotificationsHandler) MarkDelivered(c echo.Context) error {
	rec, err := h.dispatcher.MarkDelivered(c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, rec)
}

func (h *NotificationsHandler) MarkRead(c echo.Context) error {
	rec, err := h.dispatcher.MarkRead(c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, rec)
}
