package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/geo"
	"github.com/123ashny/KENYASHIP/internal/location"
)

// LocationHandler serves the obfuscation endpoints. Raw coordinates enter
// here and leave only as zone ids; they are never echoed or audited.
type LocationHandler struct {
	audit      *access.Log
	guard      *Guard
	production bool
}

func NewLocationHandler(audit *access.Log, guard *Guard, production bool) *LocationHandler {
	return &LocationHandler{audit: audit, guard: guard, production: production}
}

func (h *LocationHandler) Register(e *echo.Echo) {
	g := e.Group("/api/location")
	g.POST("/obfuscate", h.Obfuscate, h.guard.RequireAuth)
	g.GET("/zones/:id/center", h.ZoneCenter)
}

func (h *LocationHandler) Obfuscate(c echo.Context) error {
	var body struct {
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		Resolution int     `json:"resolution"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	if body.Resolution == 0 {
		body.Resolution = location.DefaultResolution
	}
	obs, err := location.Obfuscate(geo.Coordinates{Lat: body.Latitude, Lon: body.Longitude}, body.Resolution)
	if err != nil {
		return failErr(c, err, h.production)
	}
	ident, _ := identity(c)
	h.audit.Record(ident, "location.obfuscate", "zone", obs.ZoneID, access.ResultSuccess, map[string]interface{}{
		"resolution": obs.Resolution,
	})
	return ok(c, http.StatusOK, obs)
}

func (h *LocationHandler) ZoneCenter(c echo.Context) error {
	center, err := geo.ZoneCenter(c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	res, err := geo.ZoneResolution(c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, map[string]interface{}{
		"zoneId":     c.Param("id"),
		"center":     center,
		"resolution": res,
	})
}
