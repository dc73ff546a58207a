// Package audit records security events (logins, revocations, role
// changes) as structured log entries and, optionally, on a Kafka topic.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"prodtrack.io/authcore/internal/auth"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event is the record handed to sinks.
type Event struct {
	Time      time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Name      string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Sink receives events in addition to the log.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Logger implements auth.Auditor.
type Logger struct {
	logger *zap.Logger
	sinks  []Sink
	now    func() time.Time
}

var _ auth.Auditor = (*Logger)(nil)

type Option func(*Logger)

func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent writes an audit entry enriched with request and principal
// context. A sink failure is logged and returned; the log entry is written
// regardless.
func (l *Logger) LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := Event{
		Time:      l.now().UTC(),
		Type:      "audit",
		Name:      event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		e.ActorID = p.UserID()
		e.SessionID = p.SessionID
	}

	zf := []zap.Field{
		zap.String("type", e.Type),
		zap.String("event", e.Name),
		zap.Any("fields", e.Fields),
	}
	if e.RequestID != "" {
		zf = append(zf, zap.String("request_id", e.RequestID))
	}
	if e.ActorID != "" {
		zf = append(zf, zap.String("actor_id", e.ActorID))
	}
	if e.SessionID != "" {
		zf = append(zf, zap.String("session_id", e.SessionID))
	}
	l.logger.Info("audit", zf...)

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.logger.Warn("audit sink failed", zap.String("event", e.Name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
