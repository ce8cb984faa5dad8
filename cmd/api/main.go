package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/codes"
	"github.com/123ashny/KENYASHIP/internal/config"
	"github.com/123ashny/KENYASHIP/internal/crypto"
	"github.com/123ashny/KENYASHIP/internal/emergency"
	"github.com/123ashny/KENYASHIP/internal/handler"
	"github.com/123ashny/KENYASHIP/internal/logging"
	"github.com/123ashny/KENYASHIP/internal/notify"
	"github.com/123ashny/KENYASHIP/internal/realtime"
	"github.com/123ashny/KENYASHIP/internal/relay"
	"github.com/123ashny/KENYASHIP/internal/scheduler"
	"github.com/123ashny/KENYASHIP/internal/securitymon"
	"github.com/123ashny/KENYASHIP/internal/telemetry"
	"github.com/123ashny/KENYASHIP/internal/verification"
)

func main() {
	bootLogger, _ := zap.NewProduction()

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Fatal("configuration invalid", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.Environment)
	if err != nil {
		bootLogger.Fatal("logger initialization failed", zap.Error(err))
	}
	defer logger.Sync()

	// --- OpenTelemetry ---
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracerProvider(context.Background(), handler.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), handler.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	}

	// --- Shared primitives ---
	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("cipher initialization failed", zap.Error(err))
	}
	auth := access.NewAuthenticator(cfg.JWTSecret)
	auditLog := access.NewLog(logger)
	generator := codes.NewGenerator(cfg.HMACSecret, cfg.CodeTTL)

	// --- Realtime hub + optional NATS relay ---
	hub := realtime.NewHub(logger)
	hub.SetVerifier(auth)
	if cfg.NATSURL != "" {
		rl, err := relay.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS initialization failed", zap.Error(err))
		}
		defer rl.Close()
		if err := rl.ProvisionStream(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		hub.SetSink(rl)
	}

	// --- Notification dispatcher ---
	dispatcher := notify.NewDispatcher(cipher, auditLog, logger)
	for _, adapter := range notify.StubAdapters(logger) {
		dispatcher.RegisterAdapter(adapter)
	}

	// --- Emergency orchestrator ---
	orchestrator := emergency.NewOrchestrator(dispatcher, hub, auditLog, logger)

	// --- Cargo-security monitor ---
	monitor := securitymon.NewMonitor(auditLog, logger)
	monitor.OnAlert = func(a securitymon.Alert) {
		hub.Broadcast(realtime.NewEvent("alert:security", map[string]interface{}{
			"alertId":     a.ID,
			"deliveryId":  a.DeliveryID,
			"anomalyType": string(a.AnomalyType),
			"severity":    string(a.Severity),
			"detectedAt":  a.DetectedAt,
		}, realtime.Audience{
			DeliveryID: a.DeliveryID,
			Roles:      []access.Role{access.RoleSecurityOfficer, access.RoleDispatcher},
		}))
	}

	// --- Delivery verifier ---
	verifier := verification.NewService(cipher, cfg.HMACSecret, cfg.OTPTTL, cfg.OTPLength, auditLog, logger)
	verifier.OnComplete = func(deliveryID string, methods []verification.Method) {
		hub.Broadcast(realtime.NewEvent("delivery:verified", map[string]interface{}{
			"deliveryId": deliveryID,
			"methods":    methods,
		}, realtime.Audience{DeliveryID: deliveryID}))
	}

	// --- Background sweeps ---
	sched := scheduler.New(cfg, monitor, verifier, orchestrator, dispatcher, hub, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// --- HTTP server ---
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(handler.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
				zap.String("requestId", v.RequestID),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.CORSOrigin != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: []string{cfg.CORSOrigin},
		}))
	}
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(cfg.RateLimitMaxRequests) / cfg.RateLimitWindow.Seconds()),
			Burst:     cfg.RateLimitMaxRequests,
			ExpiresIn: cfg.RateLimitWindow,
		}),
		DenyHandler: handler.RateLimitDenied,
	}))
	e.Use(handler.AuthContext(auth))

	guard := handler.NewGuard(auditLog)
	production := cfg.IsProduction()

	handler.RegisterHealth(e)
	handler.NewLocationHandler(auditLog, guard, production).Register(e)
	handler.NewCodesHandler(generator, auditLog, guard).Register(e)
	handler.NewVerificationHandler(verifier, guard, production).Register(e)
	handler.NewSecurityHandler(monitor, guard, production).Register(e)
	handler.NewEmergencyHandler(orchestrator, guard, production).Register(e)
	handler.NewPrivacyHandler(guard).Register(e)
	handler.NewNotificationsHandler(dispatcher, guard, production).Register(e)
	handler.NewRealtimeHandler(hub, guard, logger).Register(e)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop()
	orchestrator.Drain()
	dispatcher.Drain()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("echo shutdown error", zap.Error(err))
	}
	logger.Info("shut down cleanly")
}
