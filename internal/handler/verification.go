package handler

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/geo"
	"github.com/123ashny/KENYASHIP/internal/verification"
)

// otpVerifyTimeout bounds one verify request end to end.
const otpVerifyTimeout = 2 * time.Second

// VerificationHandler serves the proof-of-delivery endpoints.
type VerificationHandler struct {
	svc        *verification.Service
	guard      *Guard
	production bool
}

func NewVerificationHandler(svc *verification.Service, guard *Guard, production bool) *VerificationHandler {
	return &VerificationHandler{svc: svc, guard: guard, production: production}
}

func (h *VerificationHandler) Register(e *echo.Echo) {
	g := e.Group("/api/verification")
	g.POST("/initialize", h.Initialize, h.guard.RequireAuth)
	g.POST("/otp/generate", h.GenerateOTP, h.guard.RequireAuth)
	g.POST("/otp/verify", h.VerifyOTP, h.guard.RequireAuth)
	g.POST("/photo", h.StorePhoto, h.guard.RequireAuth)
	g.POST("/signature", h.StoreSignature, h.guard.RequireAuth)
	g.POST("/geofence", h.VerifyGeofence, h.guard.RequireAuth)
	g.POST("/fallback", h.Fallback, h.guard.RequireAuth)
	g.GET("/status/:deliveryId", h.Status, h.guard.RequireAuth)
	g.GET("/pending/:deliveryId", h.Pending, h.guard.RequireAuth)
}

func (h *VerificationHandler) Initialize(c echo.Context) error {
	var body struct {
		DeliveryID string                `json:"deliveryId"`
		Required   []verification.Method `json:"required"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	status, err := h.svc.Initialize(ident, body.DeliveryID, body.Required)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusCreated, status)
}

func (h *VerificationHandler) GenerateOTP(c echo.Context) error {
	var body struct {
		DeliveryID  string `json:"deliveryId"`
		RecipientID string `json:"recipientId"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	otp, expiresAt, err := h.svc.GenerateOTP(ident, body.DeliveryID, body.RecipientID)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, map[string]interface{}{
		"otp":       otp,
		"expiresAt": expiresAt,
	})
}

func (h *VerificationHandler) VerifyOTP(c echo.Context) error {
	var body struct {
		DeliveryID string `json:"deliveryId"`
		Token      string `json:"token"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)

	type outcome struct {
		res verification.OTPResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.svc.VerifyOTP(ident, body.DeliveryID, body.Token)
		done <- outcome{res, err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			return failErr(c, out.err, h.production)
		}
		return ok(c, http.StatusOK, out.res)
	case <-time.After(otpVerifyTimeout):
		return fail(c, http.StatusInternalServerError, CodeInternal, "verification timed out")
	}
}

func (h *VerificationHandler) StorePhoto(c echo.Context) error {
	var body struct {
		DeliveryID string                 `json:"deliveryId"`
		Photo      string                 `json:"photo"`
		Meta       verification.PhotoMeta `json:"meta"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	data, err := base64.StdEncoding.DecodeString(body.Photo)
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "photo must be base64 encoded")
	}
	ident, _ := identity(c)
	if err := h.svc.StorePhoto(ident, body.DeliveryID, data, body.Meta); err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusCreated, map[string]interface{}{"stored": true})
}

func (h *VerificationHandler) StoreSignature(c echo.Context) error {
	var body struct {
		DeliveryID string `json:"deliveryId"`
		Data       string `json:"data"`
		SignerName string `json:"signerName"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "signature data must be base64 encoded")
	}
	ident, _ := identity(c)
	if err := h.svc.StoreSignature(ident, body.DeliveryID, data, body.SignerName); err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusCreated, map[string]interface{}{"stored": true})
}

func (h *VerificationHandler) VerifyGeofence(c echo.Context) error {
	var body struct {
		DeliveryID       string          `json:"deliveryId"`
		DriverLocation   geo.Coordinates `json:"driverLocation"`
		DeliveryLocation geo.Coordinates `json:"deliveryLocation"`
		Radius           float64         `json:"radius"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	res, err := h.svc.VerifyGeofence(ident, body.DeliveryID, body.DriverLocation, body.DeliveryLocation, body.Radius)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, res)
}

func (h *VerificationHandler) Fallback(c echo.Context) error {
	var body struct {
		DeliveryID string `json:"deliveryId"`
		Code       string `json:"code"`
	}
	if err := c.Bind(&body); err != nil {
		return fail(c, http.StatusBadRequest, CodeValidation, "invalid request body")
	}
	ident, _ := identity(c)
	res, err := h.svc.Fallback(ident, body.DeliveryID, body.Code)
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, res)
}

func (h *VerificationHandler) Status(c echo.Context) error {
	status, err := h.svc.Status(c.Param("deliveryId"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, status)
}

func (h *VerificationHandler) Pending(c echo.Context) error {
	pending, err := h.svc.Pending(c.Param("deliveryId"))
	if err != nil {
		return failErr(c, err, h.production)
	}
	return ok(c, http.StatusOK, map[string]interface{}{"pending": pending})
}
