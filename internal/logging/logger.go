package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/eventhook/internal/tracing"
)

var (
	mu   sync.RWMutex
	root = newRoot(os.Stdout)
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "msg"
}

func newRoot(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetOutput redirects all loggers, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	root = newRoot(w)
	mu.Unlock()
}

// SetLevel sets the global minimum level (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{service: service}
}

// Zerolog returns the underlying zerolog logger tagged with the service name.
func (l *Logger) Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("service", l.service).Logger()
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	mu.RLock()
	defer mu.RUnlock()
	return &LogEntry{ctx: root.With().Str("service", l.service)}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.ctx = e.ctx.Str("trace_id", traceID)
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// LogEntry is a log line being built.
type LogEntry struct {
	ctx zerolog.Context
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.ctx = e.ctx.Str("trace_id", traceID)
	return e
}

// WithEvent sets the event type for the log entry
func (e *LogEntry) WithEvent(eventType string) *LogEntry {
	e.ctx = e.ctx.Str("event_type", eventType)
	return e
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.ctx = e.ctx.Str("delivery_id", deliveryID)
	return e
}

// WithSubscription sets the subscription ID for the log entry
func (e *LogEntry) WithSubscription(subscriptionID string) *LogEntry {
	e.ctx = e.ctx.Str("subscription_id", subscriptionID)
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.ctx = e.ctx.Interface(key, value)
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	e.ctx = e.ctx.Fields(fields)
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.ctx = e.ctx.Err(err)
	}
	return e
}

func (e *LogEntry) logger() *zerolog.Logger {
	l := e.ctx.Logger()
	return &l
}

func (e *LogEntry) Debug(message string) { e.logger().Debug().Msg(message) }
func (e *LogEntry) Info(message string)  { e.logger().Info().Msg(message) }
func (e *LogEntry) Warn(message string)  { e.logger().Warn().Msg(message) }
func (e *LogEntry) Error(message string) { e.logger().Error().Msg(message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.logger().Debug().Msgf(format, args...) }
func (e *LogEntry) Infof(format string, args ...any)  { e.logger().Info().Msgf(format, args...) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.logger().Warn().Msgf(format, args...) }
func (e *LogEntry) Errorf(format string, args ...any) { e.logger().Error().Msgf(format, args...) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.logger().WithLevel(zerolog.FatalLevel).Msg(message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.Fatal(fmt.Sprintf(format, args...))
}
