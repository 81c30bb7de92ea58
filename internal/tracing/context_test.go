package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithSessionID(ctx, "cli:local")
	ctx = WithTaskID(ctx, "task-1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.TurnID != "turn-1" || tc.SessionID != "cli:local" || tc.TaskID != "task-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())
	if tc.TraceID != "" || tc.TurnID != "" || tc.SessionID != "" || tc.TaskID != "" {
		t.Errorf("expected empty trace context, got %+v", tc)
	}
	if GetTraceID(nil) != "" { //nolint:staticcheck
		t.Error("expected empty trace id for nil context")
	}
}

func TestNewTurnContext(t *testing.T) {
	ctx := NewTurnContext(context.Background(), "telegram:42")
	if GetTraceID(ctx) == "" {
		t.Error("expected trace id to be created")
	}
	if GetTurnID(ctx) == "" {
		t.Error("expected turn id to be created")
	}
	if GetSessionID(ctx) != "telegram:42" {
		t.Errorf("expected session id telegram:42, got %s", GetSessionID(ctx))
	}

	parent := WithTraceID(context.Background(), "keep-me")
	child := NewTurnContext(parent, "s")
	if GetTraceID(child) != "keep-me" {
		t.Errorf("expected existing trace id to be kept, got %s", GetTraceID(child))
	}
}
