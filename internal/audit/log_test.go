package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"prodtrack.io/authcore/internal/auth"
)

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Write(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := &recordingSink{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(zap.New(core), WithSink(sink), WithClock(func() time.Time { return fixed }))

	principal := auth.NewPrincipal(&auth.User{ID: "user-42", Username: "alice", IsActive: true})
	principal.SessionID = "sess-1"
	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithPrincipal(ctx, principal)

	if err := l.LogEvent(ctx, "auth.logout", map[string]any{"sessions_deleted": 1}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one log entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["type"] != "audit" {
		t.Fatalf("unexpected type: %v", fields["type"])
	}
	if fields["event"] != "auth.logout" {
		t.Fatalf("unexpected event: %v", fields["event"])
	}
	if fields["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["actor_id"] != "user-42" {
		t.Fatalf("unexpected actor id: %v", fields["actor_id"])
	}
	if fields["session_id"] != "sess-1" {
		t.Fatalf("unexpected session id: %v", fields["session_id"])
	}

	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events, want 1", len(sink.events))
	}
	e := sink.events[0]
	if !e.Time.Equal(fixed) || e.Fields["sessions_deleted"] != 1 {
		t.Fatalf("unexpected sink event: %+v", e)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := New(nil).LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}

func TestLogEventReportsSinkFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	boom := errors.New("broker down")
	l := New(zap.New(core), WithSink(&recordingSink{err: boom}))

	err := l.LogEvent(context.Background(), "auth.login", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if logs.FilterMessage("audit").Len() != 1 {
		t.Fatalf("audit entry must be logged even when a sink fails")
	}
	if logs.FilterMessage("audit sink failed").Len() != 1 {
		t.Fatalf("sink failure not logged")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	e := Event{Time: time.Now().UTC(), Type: "audit", Name: "auth.login", ActorID: "user-42", Fields: map[string]any{"client": "web"}}

	if err := sink.Write(context.Background(), e); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "user-42" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if decoded["event"] != "auth.login" || decoded["type"] != "audit" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("Close: %v closed=%v", err, w.closed)
	}
}

func TestNewKafkaSinkConfiguresWriter(t *testing.T) {
	sink := NewKafkaSink([]string{"localhost:9092"}, "authcore.audit")
	w, ok := sink.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("unexpected writer type %T", sink.writer)
	}
	if w.Topic != "authcore.audit" || !w.Async {
		t.Fatalf("unexpected writer config: topic=%s async=%v", w.Topic, w.Async)
	}
}
