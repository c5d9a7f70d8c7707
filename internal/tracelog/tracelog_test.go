package tracelog

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestEvents_Enabled(t *testing.T) {
	e := New([]string{"connection_accepted"})
	if !e.Enabled("connection_accepted") {
		t.Error("connection_accepted should be enabled")
	}
	if e.Enabled("invalid") {
		t.Error("invalid should not be enabled")
	}
	e.Set([]string{"rewrite_decision", "upstream_forward"})
	if !e.Enabled("rewrite_decision") || !e.Enabled("upstream_forward") {
		t.Error("rewrite_decision and upstream_forward should be enabled")
	}
}

func TestEvents_Set(t *testing.T) {
	e := New(nil)
	e.Set([]string{"connection_accepted"})
	if !e.Enabled("connection_accepted") {
		t.Error("after Set: connection_accepted should be enabled")
	}
	e.Set([]string{})
	if e.Enabled("connection_accepted") {
		t.Error("after Set([]): connection_accepted should be disabled")
	}
}

func TestEvents_Get(t *testing.T) {
	e := New([]string{"connection_accepted"})
	got := e.Get()
	if len(got) != 1 || got[0] != "connection_accepted" {
		t.Errorf("Get() = %v, want [connection_accepted]", got)
	}
	e.Set([]string{})
	if got := e.Get(); len(got) != 0 {
		t.Errorf("Get() after clear = %v, want []", got)
	}
}

func TestTrace_LogsWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	events := New([]string{"connection_accepted"})
	Trace(events, logger, "connection_accepted", "test trace", "key", "val")
	if buf.Len() == 0 {
		t.Error("expected trace to log when event enabled")
	}
}

func TestTrace_NoLogWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	events := New([]string{})
	Trace(events, logger, "connection_accepted", "test trace", "key", "val")
	if buf.Len() != 0 {
		t.Errorf("expected no log when event disabled, got %q", buf.String())
	}
}

func TestTrace_NilEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	Trace(nil, logger, "connection_accepted", "test trace", "key", "val")
	if buf.Len() != 0 {
		t.Errorf("expected no log when events nil, got %q", buf.String())
	}
}

func BenchmarkEnabled_Disabled(b *testing.B) {
	events := New([]string{})
	for i := 0; i < b.N; i++ {
		events.Enabled(EventRewriteDecision)
	}
}

func BenchmarkEnabled_Enabled(b *testing.B) {
	events := New([]string{EventRewriteDecision})
	for i := 0; i < b.N; i++ {
		events.Enabled(EventRewriteDecision)
	}
}
