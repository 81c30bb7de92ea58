package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/agent"
	"github.com/harun/kestrel/pkg/heartbeat"
	"github.com/harun/kestrel/pkg/memory"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/stream"
	"github.com/harun/kestrel/pkg/subagent"
)

// Channel is the session channel of gateway conversations.
const Channel = "gateway"

// Runner runs agent turns for inbound messages.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.TurnResult, error)
	Abort(sessionID string) bool
	DeleteSession(ctx context.Context, sessionID string) error
}

// SessionStore is the subset of the session store the gateway exposes.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Delete(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]session.Summary, error)
}

// MemorySearcher searches the memory store.
type MemorySearcher interface {
	Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchResult, error)
}

// SubagentLister reports sub-agent tasks.
type SubagentLister interface {
	List(parentSessionID string) []*subagent.Task
	Stats() subagent.Stats
}

// HeartbeatRunner lists and triggers heartbeat jobs.
type HeartbeatRunner interface {
	Jobs() []heartbeat.JobStatus
	RunNow(ctx context.Context, name string) error
}

// registerBuiltinMethods registers the methods backed by configured components
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("gateway.methods", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"methods": s.router.GetMethods()}, nil
	})
	_ = s.router.RegisterMethod("gateway.clients", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"clients": s.clients.GetConnectedClients()}, nil
	})

	if s.runner != nil {
		_ = s.router.RegisterMethod("chat.send", s.handleChatSend)
		_ = s.router.RegisterMethod("agent.abort", s.handleAgentAbort)
	}
	if s.sessions != nil {
		_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
		_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
		_ = s.router.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	}
	if s.memory != nil {
		_ = s.router.RegisterMethod("memory.search", s.handleMemorySearch)
	}
	if s.approvals != nil {
		s.registerApprovalMethods()
	}
	if s.subagents != nil {
		_ = s.router.RegisterMethod("subagents.list", s.handleSubagentsList)
	}
	if s.heartbeats != nil {
		_ = s.router.RegisterMethod("heartbeats.list", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"jobs": s.heartbeats.Jobs()}, nil
		})
		_ = s.router.RegisterMethod("heartbeats.run", s.handleHeartbeatRun)
	}
}

func stringParam(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return strings.TrimSpace(v)
}

func requireString(params map[string]interface{}, name string) (string, error) {
	v := stringParam(params, name)
	if v == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s is required and must be a string", name)}
	}
	return v, nil
}

// handleChatSend runs one agent turn. Chunks stream to the calling
// websocket client as chat.chunk events; the final result is the response.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text, err := requireString(params, "text")
	if err != nil {
		return nil, err
	}

	clientID := callerFromContext(ctx).ClientID
	req := agent.Request{
		SessionID: stringParam(params, "session_id"),
		Channel:   Channel,
		ChatID:    stringParam(params, "chat_id"),
		UserID:    clientID,
		Text:      text,
	}
	if req.SessionID == "" && req.ChatID == "" {
		if clientID == "" {
			return nil, &RPCError{Code: InvalidParams, Message: "chat_id or session_id is required"}
		}
		req.ChatID = clientID
	}

	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	if clientID != "" {
		req.OnChunk = func(chunk stream.Chunk) {
			s.broadcaster.SendToClient(clientID, EventMessage{
				Event:   "chat.chunk",
				Data:    chunk,
				TraceID: tracing.GetTraceID(ctx),
			})
		}
	}

	res, err := s.runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent execution failed: %w", err)
	}

	return map[string]interface{}{
		"session_id": res.SessionID,
		"response":   res.Response,
		"outcome":    res.Outcome,
		"rounds":     res.Rounds,
		"tool_calls": len(res.ToolCalls),
		"usage":      res.Usage,
		"backend":    res.Backend,
		"error":      res.Err,
	}, nil
}

func (s *Server) handleAgentAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"aborted": s.runner.Abort(sessionID)}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if userID := stringParam(params, "user_id"); userID != "" {
		owned := sessions[:0]
		for _, summary := range sessions {
			if summary.UserID == userID {
				owned = append(owned, summary)
			}
		}
		sessions = owned
	}
	return map[string]interface{}{"sessions": sessions, "count": len(sessions)}, nil
}

func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := requireString(params, "session_id")
	if err != nil {
		return nil, err
	}
	remove := s.sessions.Delete
	if s.runner != nil {
		remove = s.runner.DeleteSession
	}
	err = remove(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}

func (s *Server) handleMemorySearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, err := requireString(params, "query")
	if err != nil {
		return nil, err
	}

	opts := memory.SearchOptions{Category: stringParam(params, "category")}
	if limit, ok := params["limit"].(float64); ok {
		opts.Limit = int(limit)
	}

	results, err := s.memory.Search(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

func (s *Server) handleSubagentsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	tasks := s.subagents.List(stringParam(params, "parent_session_id"))
	return map[string]interface{}{
		"tasks": tasks,
		"stats": s.subagents.Stats(),
	}, nil
}

func (s *Server) handleHeartbeatRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := requireString(params, "name")
	if err != nil {
		return nil, err
	}
	if err := s.heartbeats.RunNow(ctx, name); err != nil {
		if errors.Is(err, heartbeat.ErrJobNotFound) {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
