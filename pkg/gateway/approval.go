package gateway

import (
	"context"
	"errors"

	"github.com/harun/kestrel/pkg/events"
	"github.com/harun/kestrel/pkg/toolexecutor"
)

// ApprovalResolver answers pending approval requests.
type ApprovalResolver interface {
	ResolveResponse(resp events.ApprovalResponse) error
	Pending() []events.ApprovalRequest
}

// forwardEvents relays runtime events from the bus to every authenticated
// client until ctx ends or the subscription closes.
func (s *Server) forwardEvents(ctx context.Context, sub *events.Subscription) {
	defer s.bgWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			msg := EventMessage{Event: string(ev.Type), Data: ev.Data, Timestamp: ev.Timestamp}
			switch data := ev.Data.(type) {
			case events.ApprovalRequest:
				msg.SessionID = data.SessionID
			case events.SubagentEvent:
				msg.SessionID = data.ParentSessionID
			}
			s.broadcaster.BroadcastMessage(msg)
		}
	}
}

func (s *Server) registerApprovalMethods() {
	_ = s.router.RegisterMethod("approval.resolve", s.handleApprovalResolve)
	_ = s.router.RegisterMethod("approval.pending", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		pending := s.approvals.Pending()
		return map[string]interface{}{
			"approvals": pending,
			"count":     len(pending),
		}, nil
	})
}

func (s *Server) handleApprovalResolve(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, _ := params["id"].(string)
	if id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}
	approved, ok := params["approved"].(bool)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "approved must be a boolean"}
	}
	always, _ := params["always"].(bool)

	actor := callerFromContext(ctx).actor()
	err := s.approvals.ResolveResponse(events.ApprovalResponse{
		ID:       id,
		Approved: approved,
		Always:   always,
		Actor:    actor,
	})
	if errors.Is(err, toolexecutor.ErrApprovalNotFound) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("approval_id", id).Bool("approved", approved).Str("actor", actor).Msg("Approval resolved via gateway")
	return map[string]interface{}{"success": true}, nil
}
