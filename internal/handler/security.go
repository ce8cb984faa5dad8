package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/geo"
	"github.com/123ashny/KENYASHIP/internal/location"
	"github.com/123ashny/KENYASHIP/internal/securitymon"
)

// SecurityHandler serves the cargo-security monitor endpoints.
type SecurityHandler struct {
	monitor    *securitymon.Monitor
	guard      *Guard
	production bool
}

func NewSecurityHandler(monitor *securitymon.Monitor, guard *Guard, production bool) *SecurityHandler {
	return &SecurityHandler{monitor: monitor, guard: guard, production: production}
}

func (h *SecurityHandler) Register(e *echo.Echo) {
	g := e.Group("/api/security")
	g.POST("/location-update", h.LocationUpdate, h.guard.RequireAuth)
	g.POST("/expected-route", h.ExpectedRoute, h.guard.RequirePermission("write:delivery_assignment"))
	g.GET("/alerts", h.Alerts, h.guard.RequirePermission("read:security_alert"))
	g.POST("/alerts/:id/acknowledge", h.Acknowledge, h.guard.RequirePermission("write:security_alert"))
	g.POST("/alerts/:id/resolve", h.Resolve, h.guard.RequirePermission("write:security_alert"))
	g.GET("/stats", h.Stats, h.guard.RequirePermission("read:security_alert"))
	g.GET("/history/:driverId", h.History, h.guard.RequirePermission("read:location_history"))
}

// LocationUpdate obfuscates the incoming fix at the edge; the monitor only
// ever sees zone ids.
func (h *SecurityHandler) LocationUpdate(c echo.Context) error {
	var body struct {
		DeliveryID string  `json:"deliveryId"`
		DriverID   string  `json:"driverId"`
		VehicleID  string  `json:"vehicleId"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		Resolution int     `json:"resolution"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	if body.DeliveryID == "" || body.DriverID == "" {
		return fail(c, http.StatusBadRequest, CodeValidation, "deliveryId and driverId are required")
	}
	if body.Resolution == 0 {
		body.Resolution = location.DefaultResolution
	}
	obs, err := location.Obfuscate(geo.Coordinates{Lat: body.Latitude, Lon: body.Longitude}, body.Resolution)
	if err != nil {
		return failErr(c, err, h.production)
	}
	ident, _ := identity(c)
	alerts := h.monitor.ProcessLocationUpdate(ident, body.DeliveryID, body.DriverID, obs, body.VehicleID)
	return ok(c, http.StatusOK, map[string]interface{}{
		"zoneId": obs.ZoneID,
		"alerts": alerts,
	})
}

func (h *SecurityHandler) ExpectedRoute(c echo.Context) error {
	var body struct {
		DeliveryID string   `json:"deliveryId"`
		Zones      []string `json:"zones"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	if body.DeliveryID == "" || len(body.Zones) == 0 {
		return fail(c, http.StatusBadRequest, CodeValidation, "deliveryId and zones are required")
	}
	ident, _ := identity(c)
	h.monitor.RegisterExpectedRoute(ident, body.DeliveryID, body.Zones)
	return ok(c, http.StatusCreated, map[string]interface{}{"registered": true})
}

func (h *SecurityHandler) Alerts(c echo.Context) error {
	filter := securitymon.Filter{
		Severity:           securitymon.Severity(c.QueryParam("severity")),
		DeliveryID:         c.QueryParam("deliveryId"),
		UnacknowledgedOnly: c.QueryParam("unacknowledgedOnly") == "true",
	}
	return ok(c, http.StatusOK, map[string]interface{}{"alerts": h.monitor.Alerts(filter)})
}

func (h *SecurityHandler) Acknowledge(c echo.Context) error {
	ident, _ := identity(c)
	alert, err := h.monitor.Acknowledge(ident, c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, alert)
}

func (h *SecurityHandler) Resolve(c echo.Context) error {
	var body struct {
		Status securitymon.ResolutionStatus `json:"status"`
		Notes  string                       `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	alert, err := h.monitor.Resolve(ident, c.Param("id"), body.Status, body.Notes)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, alert)
}

func (h *SecurityHandler) Stats(c echo.Context) error {
	return ok(c, http.StatusOK, h.monitor.Stats())
}

func (h *SecurityHandler) History(c echo.Context) error {
	ident, _ := identity(c)
	return ok(c, http.StatusOK, map[string]interface{}{
		"driverId": c.Param("driverId"),
		"history":  h.monitor.History(ident, c.Param("driverId")),
	})
}
