package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/pkg/events"
	"github.com/rs/zerolog"
)

// DefaultApprovalTimeout bounds how long a supervised tool waits for a human.
const DefaultApprovalTimeout = 120 * time.Second

// Approval outcomes.
const (
	OutcomeApproved  = "approved"
	OutcomeDenied    = "denied"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeAllowlist = "allowlisted"
)

var (
	// ErrApprovalNotFound is returned when resolving an unknown or settled request.
	ErrApprovalNotFound = errors.New("approval request not found")
)

// ApprovalRequest describes one supervised tool invocation awaiting a human.
type ApprovalRequest struct {
	ToolName    string
	Description string
	SessionID   string
}

// ApprovalDecision is the settled outcome of an ApprovalRequest.
type ApprovalDecision struct {
	ID       string
	Approved bool
	Outcome  string
	Actor    string
}

// Approver decides supervised tool invocations.
type Approver interface {
	Request(ctx context.Context, req ApprovalRequest) ApprovalDecision
}

// ApprovalConfig configures an ApprovalGate.
type ApprovalConfig struct {
	Bus       *events.Bus
	Timeout   time.Duration
	Allowlist *Allowlist
	Logger    zerolog.Logger
}

type pendingApproval struct {
	event    events.ApprovalRequest
	response chan events.ApprovalResponse
}

// ApprovalGate publishes approval requests on the event bus and waits for a
// matching Resolve or the deadline, whichever comes first.
type ApprovalGate struct {
	bus       *events.Bus
	timeout   time.Duration
	allowlist *Allowlist
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovalGate creates an approval gate.
func NewApprovalGate(cfg ApprovalConfig) *ApprovalGate {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalGate{
		bus:       cfg.Bus,
		timeout:   timeout,
		allowlist: cfg.Allowlist,
		logger:    cfg.Logger,
		pending:   make(map[string]*pendingApproval),
	}
}

// Timeout returns the deadline applied to each request.
func (g *ApprovalGate) Timeout() time.Duration {
	return g.timeout
}

// Request blocks until the request is resolved, times out, or ctx ends.
// Anything other than an explicit approval is a denial.
func (g *ApprovalGate) Request(ctx context.Context, req ApprovalRequest) ApprovalDecision {
	if g.allowlist != nil && g.allowlist.Contains(req.ToolName) {
		g.logger.Debug().Str("tool", req.ToolName).Msg("Tool allowlisted, approval skipped")
		return g.finish(ctx, req, ApprovalDecision{Approved: true, Outcome: OutcomeAllowlist})
	}

	id := uuid.New().String()
	p := &pendingApproval{
		event: events.ApprovalRequest{
			ID:          id,
			Description: req.Description,
			ToolName:    req.ToolName,
			SessionID:   req.SessionID,
			ExpiresAt:   time.Now().Add(g.timeout).UnixMilli(),
		},
		response: make(chan events.ApprovalResponse, 1),
	}

	g.mu.Lock()
	g.pending[id] = p
	g.mu.Unlock()
	defer g.remove(id)

	g.logger.Info().
		Str("approval_id", id).
		Str("tool", req.ToolName).
		Str("session_id", req.SessionID).
		Msg("Requesting approval")

	if g.bus != nil {
		g.bus.Publish(events.ApprovalRequested, p.event)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var decision ApprovalDecision
	select {
	case resp := <-p.response:
		decision = ApprovalDecision{ID: id, Approved: resp.Approved, Actor: resp.Actor, Outcome: OutcomeDenied}
		if resp.Approved {
			decision.Outcome = OutcomeApproved
			if resp.Always && g.allowlist != nil {
				if err := g.allowlist.Add(req.ToolName); err != nil {
					g.logger.Warn().Err(err).Str("tool", req.ToolName).Msg("Failed to persist allowlist")
				}
			}
		}
	case <-timer.C:
		g.logger.Warn().
			Str("approval_id", id).
			Str("tool", req.ToolName).
			Dur("timeout", g.timeout).
			Msg("Approval request timed out")
		decision = ApprovalDecision{ID: id, Outcome: OutcomeTimeout}
	case <-ctx.Done():
		decision = ApprovalDecision{ID: id, Outcome: OutcomeCancelled}
	}

	if g.bus != nil {
		g.bus.Publish(events.ApprovalResolved, events.ApprovalResponse{
			ID:       id,
			Approved: decision.Approved,
			Actor:    decision.Actor,
			Outcome:  decision.Outcome,
		})
	}

	return g.finish(ctx, req, decision)
}

func (g *ApprovalGate) finish(ctx context.Context, req ApprovalRequest, decision ApprovalDecision) ApprovalDecision {
	observability.RecordApproval(req.ToolName, decision.Outcome)
	observability.RecordApprovalAudit(ctx, req.ToolName, req.SessionID, decision.Outcome, map[string]interface{}{
		"approval_id": decision.ID,
		"actor":       decision.Actor,
	})

	evt := g.logger.Info()
	if !decision.Approved {
		evt = g.logger.Warn()
	}
	evt.Str("tool", req.ToolName).
		Str("outcome", decision.Outcome).
		Msg("Approval settled")

	return decision
}

// Resolve answers a pending request.
func (g *ApprovalGate) Resolve(id string, approved bool, actor string) error {
	return g.ResolveResponse(events.ApprovalResponse{ID: id, Approved: approved, Actor: actor})
}

// ResolveResponse answers a pending request with a full response payload.
// The first response wins; later ones return ErrApprovalNotFound.
func (g *ApprovalGate) ResolveResponse(resp events.ApprovalResponse) error {
	g.mu.Lock()
	p, ok := g.pending[resp.ID]
	if ok {
		delete(g.pending, resp.ID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, resp.ID)
	}

	p.response <- resp
	return nil
}

// Pending lists requests still waiting for an answer.
func (g *ApprovalGate) Pending() []events.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]events.ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.event)
	}
	return out
}

func (g *ApprovalGate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// StaticApprover answers every request the same way. The CLI uses it for
// --yes runs.
type StaticApprover struct {
	Approve bool
}

func (s StaticApprover) Request(ctx context.Context, req ApprovalRequest) ApprovalDecision {
	if s.Approve {
		return ApprovalDecision{Approved: true, Outcome: OutcomeApproved, Actor: "static"}
	}
	return ApprovalDecision{Outcome: OutcomeDenied, Actor: "static"}
}
