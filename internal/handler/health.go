package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ServiceName identifies this process in health responses and telemetry.
const ServiceName = "kenyaship-core"

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RegisterHealth mounts the liveness probe.
func RegisterHealth(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"service":   ServiceName,
			"version":   Version,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
}
