package toolexecutor

import (
	"context"
	"time"
)

// ExecutionContext carries per-call information into Execute and handlers.
type ExecutionContext struct {
	SessionID  string
	ToolCallID string
	WorkingDir string
	Timeout    time.Duration
	ToolPolicy *ToolPolicy
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}
