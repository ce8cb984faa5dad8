// Package config loads the process configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// EnvProduction enables strict secret validation and generic 500 bodies.
	EnvProduction = "production"

	minSecretLen = 32
)

// Config holds every knob the courier core reads at boot.
type Config struct {
	Environment string
	Host        string
	Port        int

	// Required secrets. Each must be at least 32 characters and, in
	// production, must not contain the literal CHANGE_ME.
	JWTSecret     string
	EncryptionKey string
	HMACSecret    string

	LocationGridSizeMeters int
	CodeTTL                time.Duration
	CodeMaxAttempts        int
	OTPTTL                 time.Duration
	OTPLength              int

	RetentionLocation time.Duration
	RetentionDelivery time.Duration
	RetentionAudit    time.Duration

	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	CORSOrigin string

	// Optional integrations. Empty means disabled.
	NATSURL      string
	OTLPEndpoint string
}

// Load reads the configuration. A missing .env file is not an error —
// deployed environments inject variables directly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:            getEnvOrDefault("APP_ENV", "development"),
		Host:                   getEnvOrDefault("HOST", "0.0.0.0"),
		Port:                   getEnvInt("PORT", 3001),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		EncryptionKey:          os.Getenv("ENCRYPTION_KEY"),
		HMACSecret:             os.Getenv("HMAC_SECRET"),
		LocationGridSizeMeters: getEnvInt("LOCATION_GRID_SIZE_METERS", 500),
		CodeTTL:                time.Duration(getEnvInt("CODE_TTL_MINUTES", 30)) * time.Minute,
		CodeMaxAttempts:        getEnvInt("CODE_MAX_ATTEMPTS", 5),
		OTPTTL:                 time.Duration(getEnvInt("OTP_TTL_SECONDS", 300)) * time.Second,
		OTPLength:              getEnvInt("OTP_LENGTH", 6),
		RetentionLocation:      days(getEnvInt("RETENTION_DAYS_LOCATION", 30)),
		RetentionDelivery:      days(getEnvInt("RETENTION_DAYS_DELIVERY", 365)),
		RetentionAudit:         days(getEnvInt("RETENTION_DAYS_AUDIT", 2555)),
		RateLimitWindow:        time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMaxRequests:   getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),
		CORSOrigin:             os.Getenv("CORS_ORIGIN"),
		NATSURL:                os.Getenv("NATS_URL"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) validate() error {
	secrets := map[string]string{
		"JWT_SECRET":     c.JWTSecret,
		"ENCRYPTION_KEY": c.EncryptionKey,
		"HMAC_SECRET":    c.HMACSecret,
	}
	for name, v := range secrets {
		if len(v) < minSecretLen {
			return fmt.Errorf("%s must be at least %d characters", name, minSecretLen)
		}
		if c.IsProduction() && strings.Contains(v, "CHANGE_ME") {
			return fmt.Errorf("%s contains a placeholder value; refusing to boot in production", name)
		}
	}

	if c.OTPLength < 4 || c.OTPLength > 8 {
		return fmt.Errorf("OTP_LENGTH must be within [4,8], got %d", c.OTPLength)
	}
	if c.OTPTTL < time.Minute || c.OTPTTL > 15*time.Minute {
		return fmt.Errorf("OTP_TTL_SECONDS must be within [60,900], got %s", c.OTPTTL)
	}
	if c.CodeTTL < 5*time.Minute || c.CodeTTL > 24*time.Hour {
		return fmt.Errorf("CODE_TTL_MINUTES must be within [5m,24h], got %s", c.CodeTTL)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
