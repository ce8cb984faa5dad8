// Package handler exposes the HTTP surface: one handler struct per
// component, each registering its routes under /api, all responding with
// the shared success/error envelope.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/123ashny/KENYASHIP/internal/crypto"
	"github.com/123ashny/KENYASHIP/internal/emergency"
	"github.com/123ashny/KENYASHIP/internal/geo"
	"github.com/123ashny/KENYASHIP/internal/notify"
	"github.com/123ashny/KENYASHIP/internal/securitymon"
	"github.com/123ashny/KENYASHIP/internal/verification"
)

// Error codes carried in the envelope.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodePhotoTooLarge    = "PHOTO_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeEncryptionFormat = "INVALID_ENCRYPTION_FORMAT"
	CodeInternal         = "INTERNAL_ERROR"
)

type envelopeMeta struct {
	RequestID string `json:"requestId"`
	Timestamp string `json:"timestamp"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
	Meta    envelopeMeta   `json:"meta"`
}

func meta(c echo.Context) envelopeMeta {
	return envelopeMeta{
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ok writes a success envelope.
func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope{Success: true, Data: data, Meta: meta(c)})
}

// fail writes an error envelope. The request id is mirrored in the
// X-Request-ID response header by the RequestID middleware.
func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, envelope{
		Success: false,
		Error:   &envelopeError{Code: code, Message: message},
		Meta:    meta(c),
	})
}

// RateLimitDenied is the deny handler for the echo rate limiter. It exists
// so throttled requests carry the same envelope as every other error.
func RateLimitDenied(c echo.Context, _ string, _ error) error {
	return fail(c, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
}

// failErr maps a component error to the envelope taxonomy. production
// controls whether internal errors keep their message.
func failErr(c echo.Context, err error, production bool) error {
	switch {
	case errors.Is(err, verification.ErrNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, emergency.ErrNotFound),
		errors.Is(err, securitymon.ErrAlertNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, verification.ErrInvalidInput),
		errors.Is(err, notify.ErrInvalidInput),
		errors.Is(err, notify.ErrInvalidTransition),
		errors.Is(err, notify.ErrUnknownChannel),
		errors.Is(err, notify.ErrChannelNotAllowed),
		errors.Is(err, emergency.ErrInvalidInput),
		errors.Is(err, geo.ErrOutOfRange),
		errors.Is(err, geo.ErrInvalidZone):
		return fail(c, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, verification.ErrPhotoTooLarge):
		return fail(c, http.StatusRequestEntityTooLarge, CodePhotoTooLarge, err.Error())
	case errors.Is(err, notify.ErrRateLimited):
		return fail(c, http.StatusTooManyRequests, CodeRateLimited, err.Error())
	case errors.Is(err, crypto.ErrInvalidFormat):
		return fail(c, http.StatusInternalServerError, CodeEncryptionFormat, err.Error())
	case errors.Is(err, crypto.ErrAuthFailed):
		return fail(c, http.StatusInternalServerError, CodeInternal, err.Error())
	default:
		msg := err.Error()
		if production {
			msg = "internal error"
		}
		return fail(c, http.StatusInternalServerError, CodeInternal, msg)
	}
}
