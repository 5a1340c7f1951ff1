package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/encounters/internal/config"
	"github.com/pitabwire/encounters/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: store failures, unhandled panics, 5xx responses
//   - warn:  blocked or invalid transitions, rejected definition publishes, 4xx
//   - info:  encounter creation, committed transitions, definition publishes
//   - debug: request payloads (redacted), watcher events
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

var defaultSensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"ssn":           true,
	"national_id":   true,
	"phone":         true,
	"email":         true,
}

// RedactMetadata returns a copy of metadata with sensitive keys replaced by
// "[REDACTED]", recursing into nested maps. extra is merged with the default
// key set. Debug logging only.
func RedactMetadata(metadata map[string]any, extra []string) map[string]any {
	if metadata == nil {
		return nil
	}

	redact := make(map[string]bool, len(defaultSensitiveKeys)+len(extra))
	for k := range defaultSensitiveKeys {
		redact[k] = true
	}
	for _, k := range extra {
		redact[k] = true
	}
	return redactWith(metadata, redact)
}

func redactWith(m map[string]any, redact map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case redact[k]:
			out[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = redactWith(nested, redact)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
