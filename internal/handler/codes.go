package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/codes"
)

// CodesHandler issues hand-off codes.
type CodesHandler struct {
	generator *codes.Generator
	audit     *access.Log
	guard     *Guard
}

func NewCodesHandler(generator *codes.Generator, audit *access.Log, guard *Guard) *CodesHandler {
	return &CodesHandler{generator: generator, audit: audit, guard: guard}
}

func (h *CodesHandler) Register(e *echo.Echo) {
	g := e.Group("/api/codes")
	g.POST("/generate", h.Generate, h.guard.RequireAuth)
	g.GET("/themes", h.Themes)
}

func (h *CodesHandler) Generate(c echo.Context) error {
	var body struct {
		DeliveryID string `json:"deliveryId"`
		UserID     string `json:"userId"`
		Theme      string `json:"theme"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	if body.DeliveryID == "" {
		return fail(c, http.StatusBadRequest, CodeValidation, "deliveryId is required")
	}
	ident, _ := identity(c)
	if body.UserID == "" {
		body.UserID = ident.UserID
	}
	code := h.generator.Generate(body.DeliveryID, body.UserID, body.Theme)
	h.audit.Record(ident, "codes.generate", "delivery", body.DeliveryID, access.ResultSuccess, map[string]interface{}{
		"theme": code.Theme,
	})
	return ok(c, http.StatusCreated, code)
}

func (h *CodesHandler) Themes(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]interface{}{"themes": codes.Themes()})
}
