// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	cycleIDKey
	requestIDKey
)

// New creates a JSON logger on stdout at the given level
// (debug, info, warn, error). Unknown levels fall back to info.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTenantID returns a context carrying the tenant ID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// WithCycleID returns a context carrying the cycle ID.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// WithRequestID returns a context carrying an ops API request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// TenantIDFromContext extracts the tenant ID from the context.
func TenantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, tenantIDKey)
}

// CycleIDFromContext extracts the cycle ID from the context.
func CycleIDFromContext(ctx context.Context) string {
	return stringValue(ctx, cycleIDKey)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// FromContext returns base with the context's tenant, cycle and request IDs attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	var attrs []any
	if v := TenantIDFromContext(ctx); v != "" {
		attrs = append(attrs, "tenant_id", v)
	}
	if v := CycleIDFromContext(ctx); v != "" {
		attrs = append(attrs, "cycle_id", v)
	}
	if v := RequestIDFromContext(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if len(attrs) == 0 {
		return base
	}
	return base.With(attrs...)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
