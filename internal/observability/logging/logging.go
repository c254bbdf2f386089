// Package logging builds the relay's JSON logger. Records emitted through
// the *Context slog variants automatically carry the request and trace ids
// the request middleware stored on the context, so call sites never thread
// them by hand.
package logging

import (
	"context"
	"log/slog"
	"os"

	obsmw "github.com/ericyarmo/buds-relay/internal/observability/middleware"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
}

func NewLogger(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	handler := contextHandler{inner: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})}

	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// contextHandler decorates every record with the request_id and trace_id
// found on the context, when present.
type contextHandler struct {
	inner slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if reqID := obsmw.RequestIDFromContext(ctx); reqID != "" {
		record.AddAttrs(slog.String("request_id", reqID))
	}
	if traceID := obsmw.TraceIDFromContext(ctx); traceID != "" {
		record.AddAttrs(slog.String("trace_id", traceID))
	}
	return h.inner.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{inner: h.inner.WithGroup(name)}
}
