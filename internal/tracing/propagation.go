package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubagent derives a context for a sub-agent task. The trace id
// is kept; the session id is replaced by the task's own session.
func PropagateToSubagent(ctx context.Context, taskID, sessionID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	out := WithTraceID(ctx, traceID)
	out = WithTaskID(out, taskID)
	out = WithSessionID(out, sessionID)
	return WithTurnID(out, NewTurnID())
}

// LoggerFromContext returns baseLogger enriched with the tracing fields found in ctx.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TurnID != "" {
		lc = lc.Str("turn_id", tc.TurnID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	return lc.Logger()
}

// Detach returns a background context carrying ctx's tracing fields but not
// its cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.TurnID != "" {
		out = WithTurnID(out, tc.TurnID)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.TaskID != "" {
		out = WithTaskID(out, tc.TaskID)
	}
	return out
}
