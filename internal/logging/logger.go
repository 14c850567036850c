// Package logging wraps logrus with the structured fields and helpers the
// rest of hyperstack's components expect.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	ctxKeyTraceID ctxKey = iota
	ctxKeySubscriptionID
	ctxKeyView
)

// Logger is the structured logger every component receives explicitly at
// construction time; there is no package-level global used outside of
// cmd/hyperstackd bootstrapping.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls format/level/output, resolved once at process start.
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    io.Writer
	Component string
}

// New builds a Logger from an explicit Config.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l, component: cfg.Component}
}

// NewFromEnv resolves Level/Format from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json, matching the rest of the ambient stack's env-first resolution.
func NewFromEnv(env Environment, component string) *Logger {
	level := env.Lookup("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := env.Lookup("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return New(Config{Level: level, Format: format, Component: component})
}

// Environment is the minimal env-lookup seam used across the ambient stack
// so config/logging resolution is testable without touching os.Getenv.
type Environment interface {
	Lookup(key string) string
}

// WithContext pulls trace/subscription/view identifiers stashed on ctx by
// WithTraceID/WithSubscriptionID/WithView and attaches them as fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithField("component", l.component)
	if v, ok := ctx.Value(ctxKeyTraceID).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(ctxKeySubscriptionID).(string); ok && v != "" {
		entry = entry.WithField("subscription_id", v)
	}
	if v, ok := ctx.Value(ctxKeyView).(string); ok && v != "" {
		entry = entry.WithField("view", v)
	}
	return entry
}

// WithTraceID returns a derived context carrying a trace id for logging.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKeyTraceID, traceID)
}

// WithSubscriptionID returns a derived context carrying a subscription id.
func WithSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySubscriptionID, id)
}

// WithView returns a derived context carrying a view path.
func WithView(ctx context.Context, view string) context.Context {
	return context.WithValue(ctx, ctxKeyView, view)
}

// LogEventDispatch records an upstream event being handed to the dispatcher.
func (l *Logger) LogEventDispatch(ctx context.Context, sourceID string, slot uint64, entity string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"source": sourceID,
		"slot":    slot,
		"entity":  entity,
	}).Debug("event dispatched")
}

// LogRuntimeWarning records a non-fatal VM warning (missing field, overflow,
// stale/late/deduplicated event) without aborting the entity's program.
func (l *Logger) LogRuntimeWarning(ctx context.Context, kind, entity, key string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"kind":   kind,
		"entity": entity,
		"key":    key,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("runtime warning")
}

// LogResolverCall records an async resolver invocation outcome.
func (l *Logger) LogResolverCall(ctx context.Context, kind string, entity string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"resolver_kind": kind,
		"entity":        entity,
	})
	if err != nil {
		entry.WithError(err).Warn("resolver call failed")
		return
	}
	entry.Debug("resolver call completed")
}

// LogBackpressure records a subscriber falling behind and being dropped or
// disconnected by the bus.
func (l *Logger) LogBackpressure(ctx context.Context, view string, dropped bool) {
	entry := l.WithContext(ctx).WithField("view", view)
	if dropped {
		entry.Warn("subscriber frame dropped")
		return
	}
	entry.Warn("subscriber disconnected: backpressure exceeded")
}
