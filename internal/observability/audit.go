package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the approval and tool audit trail.
type AuditEvent struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Outcome   string                 `json:"outcome"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.Mutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. Until OpenAuditLog is
// called, events are discarded.
func GetAuditLogger() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.Nop()}
	}
	return auditInst
}

// OpenAuditLog directs audit events to an append-only JSONL file.
func OpenAuditLog(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	}
	auditMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Kind, trace.WithAttributes(
			attribute.String("audit.tool", event.Tool),
			attribute.String("audit.outcome", event.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("kind", event.Kind).
		Str("session_id", event.SessionID).
		Str("tool", event.Tool).
		Str("outcome", event.Outcome).
		Str("trace_id", event.TraceID)
	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}
	entry.Msg("")
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

func RecordToolAudit(ctx context.Context, tool, sessionID string, success bool, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      "tool",
		SessionID: sessionID,
		Tool:      tool,
		Outcome:   statusLabel(success),
		Metadata:  metadata,
	})
}

func RecordApprovalAudit(ctx context.Context, tool, sessionID, outcome string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:      "approval",
		SessionID: sessionID,
		Tool:      tool,
		Outcome:   outcome,
		Metadata:  metadata,
	})
}
