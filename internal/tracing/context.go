package tracing

import (
	"context"

	"github.com/google/uuid"
)

type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	TurnIDKey    ContextKey = "turn_id"
	SessionIDKey ContextKey = "session_id"
	// TaskIDKey marks contexts running inside a sub-agent task.
	TaskIDKey ContextKey = "task_id"
)

// TraceContext holds the identifiers carried through a turn.
type TraceContext struct {
	TraceID   string
	TurnID    string
	SessionID string
	TaskID    string
}

func NewTraceID() string {
	return uuid.New().String()
}

func NewTurnID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string   { return stringValue(ctx, TraceIDKey) }
func GetTurnID(ctx context.Context) string    { return stringValue(ctx, TurnIDKey) }
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }
func GetTaskID(ctx context.Context) string    { return stringValue(ctx, TaskIDKey) }

func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		TurnID:    GetTurnID(ctx),
		SessionID: GetSessionID(ctx),
		TaskID:    GetTaskID(ctx),
	}
}

// NewTurnContext tags ctx with a fresh turn id and the session id, creating
// a trace id if none is present.
func NewTurnContext(ctx context.Context, sessionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithTurnID(ctx, NewTurnID())
	return WithSessionID(ctx, sessionID)
}
