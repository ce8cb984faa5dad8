package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/emergency"
	"github.com/123ashny/KENYASHIP/internal/geo"
)

// EmergencyHandler serves the panic and impact-detection endpoints. This is
// the only surface where raw coordinates are accepted and returned.
type EmergencyHandler struct {
	orch       *emergency.Orchestrator
	guard      *Guard
	production bool
}

func NewEmergencyHandler(orch *emergency.Orchestrator, guard *Guard, production bool) *EmergencyHandler {
	return &EmergencyHandler{orch: orch, guard: guard, production: production}
}

func (h *EmergencyHandler) Register(e *echo.Echo) {
	g := e.Group("/api/emergency")
	g.POST("/panic", h.Panic, h.guard.RequirePermission("write:emergency"))
	g.POST("/accelerometer", h.Accelerometer, h.guard.RequirePermission("write:emergency"))
	g.GET("", h.List, h.guard.RequirePermission("read:emergency"))
	g.GET("/active/:driverId", h.Active, h.guard.RequirePermission("read:emergency"))
	g.GET("/contacts/:driverId", h.GetContacts, h.guard.RequirePermission("read:emergency"))
	g.POST("/contacts/:driverId", h.SetContacts, h.guard.RequirePermission("write:emergency"))
	g.GET("/:id", h.Get, h.guard.RequirePermission("read:emergency"))
	g.POST("/:id/acknowledge", h.Acknowledge, h.guard.RequirePermission("write:emergency"))
	g.POST("/:id/resolve", h.Resolve, h.guard.RequirePermission("write:emergency"))
}

func (h *EmergencyHandler) Panic(c echo.Context) error {
	var body struct {
		DriverID   string  `json:"driverId"`
		DeliveryID string  `json:"deliveryId"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	if body.DriverID == "" {
		body.DriverID = ident.UserID
	}
	rec, created, err := h.orch.Panic(ident, body.DriverID, geo.Coordinates{Lat: body.Latitude, Lon: body.Longitude}, body.DeliveryID)
	if err != nil {
		return failErr(c, err, h.production)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return ok(c, status, rec)
}

func (h *EmergencyHandler) Accelerometer(c echo.Context) error {
	var body struct {
		DriverID   string            `json:"driverId"`
		DeliveryID string            `json:"deliveryId"`
		Reading    emergency.Reading `json:"reading"`
		Latitude   float64           `json:"latitude"`
		Longitude  float64           `json:"longitude"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	if body.DriverID == "" {
		body.DriverID = ident.UserID
	}
	rec, err := h.orch.Accelerometer(ident, body.DriverID, body.Reading, geo.Coordinates{Lat: body.Latitude, Lon: body.Longitude}, body.DeliveryID)
	if err != nil {
		return failErr(c, err, h.production)
	}
	if rec == nil {
		return ok(c, http.StatusOK, map[string]interface{}{"triggered": false})
	}
	return ok(c, http.StatusCreated, rec)
}

func (h *EmergencyHandler) Get(c echo.Context) error {
	ident, _ := identity(c)
	rec, err := h.orch.Get(ident, c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, rec)
}

func (h *EmergencyHandler) Active(c echo.Context) error {
	ident, _ := identity(c)
	rec, active := h.orch.ActiveForDriver(ident, c.Param("driverId"))
	if !active {
		return ok(c, http.StatusOK, map[string]interface{}{"active": false})
	}
	return ok(c, http.StatusOK, map[string]interface{}{"active": true, "emergency": rec})
}

func (h *EmergencyHandler) List(c echo.Context) error {
	ident, _ := identity(c)
	return ok(c, http.StatusOK, map[string]interface{}{"emergencies": h.orch.List(ident)})
}

func (h *EmergencyHandler) Acknowledge(c echo.Context) error {
	ident, _ := identity(c)
	rec, err := h.orch.Acknowledge(ident, c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, rec)
}

func (h *EmergencyHandler) Resolve(c echo.Context) error {
	ident, _ := identity(c)
	rec, err := h.orch.Resolve(ident, c.Param("id"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, rec)
}

func (h *EmergencyHandler) SetContacts(c echo.Context) error {
	var body struct {
		Contacts []emergency.Contact `json:"contacts"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	if err := h.orch.SetContacts(ident, c.Param("driverId"), body.Contacts); err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, map[string]interface{}{"contacts": len(body.Contacts)})
}

func (h *EmergencyHandler) GetContacts(c echo.Context) error {
	return ok(c, http.StatusOK, map[string]interface{}{"contacts": h.orch.Contacts(c.Param("driverId"))})
}
