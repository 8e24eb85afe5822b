// Package logging provides request-scoped logging helpers: trace ids and
// caller identity carried in context and attached to every log line.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	RoleKey    contextKey = "role"
)

// Logger is a logrus logger bound to one service name.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger writing to stdout in the given level and format
// ("json" or "text").
func New(service, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &Logger{Logger: base, service: service}
}

// FromLogger shares the output, level and formatter of an application logger.
func FromLogger(l *logger.Logger) *Logger {
	if l == nil {
		l = logger.NewDefault("http")
	}
	return &Logger{Logger: l.Logger, service: l.Component()}
}

// Service returns the bound service name.
func (l *Logger) Service() string { return l.service }

// WithContext returns an entry carrying the service name and whatever
// trace and identity values ctx holds.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := GetUserID(ctx); userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	if role := GetRole(ctx); role != "" {
		entry = entry.WithField("role", role)
	}
	return entry
}

// WithFields returns an entry with the service name and fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithFields(logrus.Fields(fields))
}

// LogRequest writes one access-log line.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent records an authentication, authorization or abuse
// signal at warn level.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithField("security_event", event).WithFields(logrus.Fields(fields)).Warn("security event")
}

// NewTraceID returns a fresh random trace id.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID stores a trace id in ctx. An empty id leaves ctx unchanged.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, if any.
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// WithUserID stores the authenticated caller in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID returns the authenticated caller, if any.
func GetUserID(ctx context.Context) string { return stringValue(ctx, UserIDKey) }

// WithRole stores the caller's role in ctx.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}

// GetRole returns the caller's role, if any.
func GetRole(ctx context.Context) string { return stringValue(ctx, RoleKey) }

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
