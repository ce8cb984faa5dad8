package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/access"
)

// PrivacyHandler exposes the role→permission table.
type PrivacyHandler struct {
	guard *Guard
}

func NewPrivacyHandler(guard *Guard) *PrivacyHandler {
	return &PrivacyHandler{guard: guard}
}

func (h *PrivacyHandler) Register(e *echo.Echo) {
	g := e.Group("/api/privacy")
	g.GET("/permissions", h.Permissions)
}

// Permissions returns the full matrix plus the caller's own grants when
// authenticated.
func (h *PrivacyHandler) Permissions(c echo.Context) error {
	data := map[string]interface{}{
		"matrix": access.PermissionMatrix(),
	}
	if ident, authed := identity(c); authed {
		data["role"] = ident.Role
		data["granted"] = access.Permissions(ident.Role)
	}
	return ok(c, http.StatusOK, data)
}
