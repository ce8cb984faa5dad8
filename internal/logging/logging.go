// Package logging builds the process-wide zap logger. Every logger handed
// out wraps a redacting core: location data and credentials must never land
// in log output, whatever layer emitted them.
package logging

import (
	"regexp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redactedPlaceholder = "[REDACTED]"

// sensitiveName matches field names that must never be logged in the clear.
var sensitiveName = regexp.MustCompile(`(?i)(password|secret|apiKey|token|_private|coordinates|latitude|longitude|_raw)`)

// sensitiveInMessage matches key=value / key: value fragments inside free-form
// log messages so that formatted strings cannot smuggle sensitive values out.
var sensitiveInMessage = regexp.MustCompile(`(?i)(password|secret|apiKey|token|_private|coordinates|latitude|longitude|_raw)\s*[=:]\s*\S+`)

// NewLogger returns a production zap logger with redaction. Development mode
// keeps the human-readable console encoder.
func NewLogger(environment string) (*zap.Logger, error) {
	var base *zap.Logger
	var err error
	if environment == "production" {
		base, err = zap.NewProduction()
	} else {
		base, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &redactingCore{Core: c}
	})), nil
}

// redactingCore rewrites sensitive fields and message fragments before
// delegating to the wrapped core.
type redactingCore struct {
	zapcore.Core
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = sensitiveInMessage.ReplaceAllString(ent.Message, "${1}="+redactedPlaceholder)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zapcore.Field) zapcore.Field {
	if sensitiveName.MatchString(f.Key) {
		return zap.String(f.Key, redactedPlaceholder)
	}
	// Reflected values (maps, structs marshalled via zap.Any) are scrubbed
	// recursively; everything else passes through untouched.
	if f.Type == zapcore.ReflectType {
		return zap.Any(f.Key, redactValue(f.Interface))
	}
	return f
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if sensitiveName.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		return sensitiveInMessage.ReplaceAllString(val, "${1}="+redactedPlaceholder)
	default:
		return v
	}
}

// Redact is a helper for building already-scrubbed metadata maps outside of
// zap fields (audit metadata, broadcast payload diagnostics).
func Redact(meta map[string]interface{}) map[string]interface{} {
	scrubbed, _ := redactValue(meta).(map[string]interface{})
	if scrubbed == nil {
		return map[string]interface{}{}
	}
	return scrubbed
}
