package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured logger for EnSync components
type Logger struct {
	*slog.Logger
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// NewLogger creates a structured logger writing JSON to stdout.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stdout, FormatJSON, component, level)
}

// NewLoggerTo creates a structured logger with an explicit sink and format.
func NewLoggerTo(w io.Writer, format LogFormat, component string, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return FromHandler(handler, component)
}

// FromHandler wraps any slog handler, such as a terminal handler in the CLI.
func FromHandler(handler slog.Handler, component string) *Logger {
	return &Logger{Logger: slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "ensync"),
	)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithContext attaches the active trace and span ids, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)}
}

// WithClient returns a logger with client-specific fields
func (l *Logger) WithClient(clientID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("client_id", clientID))}
}

// WithEvent returns a logger with event-specific fields
func (l *Logger) WithEvent(eventName string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("event_name", eventName))}
}

// WithTransport returns a logger tagged with the transport in use.
func (l *Logger) WithTransport(name, address string) *Logger {
	return &Logger{Logger: l.Logger.With(
		slog.String("transport", name),
		slog.String("address", address),
	)}
}

// ClientAuthenticated logs a completed handshake
func (l *Logger) ClientAuthenticated(clientID string) {
	l.Info("client authenticated", slog.String("client_id", clientID))
}

// EventPublished logs an outgoing event
func (l *Logger) EventPublished(eventName string, recipients int, duration time.Duration) {
	l.Debug("event published",
		slog.String("event_name", eventName),
		slog.Int("recipients", recipients),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	)
}

// EventReceived logs an incoming event before dispatch
func (l *Logger) EventReceived(eventName, idem string, block int64) {
	l.Debug("event received",
		slog.String("event_name", eventName),
		slog.String("idem", idem),
		slog.Int64("block", block),
	)
}

// HandlerFailed logs a subscription handler error
func (l *Logger) HandlerFailed(eventName, idem string, err error) {
	l.Error("event handler failed",
		slog.String("event_name", eventName),
		slog.String("idem", idem),
		slog.String("error", err.Error()),
	)
}

// ReconnectAttempt logs one reconnect try
func (l *Logger) ReconnectAttempt(attempt, maxAttempts int, delay time.Duration, cause error) {
	attrs := []any{
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.Duration("delay", delay),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	l.Warn("reconnecting", attrs...)
}

// CircuitBreakerStateChange logs a circuit breaker state change
func (l *Logger) CircuitBreakerStateChange(name, fromState, toState string) {
	l.Warn("circuit breaker state changed",
		slog.String("breaker_name", name),
		slog.String("from_state", fromState),
		slog.String("to_state", toState),
	)
}
