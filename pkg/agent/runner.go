package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/commandqueue"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/stream"
	"github.com/harun/kestrel/pkg/toolexecutor"
)

const (
	// DefaultMaxTurns bounds model round trips per inbound message.
	DefaultMaxTurns = 10

	// HeartbeatChannel is the session channel used by Trigger.
	HeartbeatChannel = "heartbeat"

	defaultSystemPrompt = "You are Kestrel, a personal assistant. Use tools when they help and say so when you cannot."
	memorySnapshotLimit = 50
)

// Turn outcomes reported in TurnResult.Outcome.
const (
	OutcomeCompleted       = "completed"
	OutcomeBudgetExhausted = "budget_exhausted"
	OutcomeError           = "error"
	OutcomeAborted         = "aborted"
)

// ErrAborted reports a turn cancelled through Abort or its context.
var ErrAborted = errors.New("turn aborted")

// Router streams one model response.
type Router interface {
	Route(ctx context.Context, req stream.Request) <-chan stream.Chunk
}

// PromptAssembler builds the system prompt for a turn.
type PromptAssembler interface {
	SystemPrompt(ctx context.Context, base, memorySnapshot string) string
}

// MemorySnapshotter renders long-lived memory for the system prompt.
type MemorySnapshotter interface {
	Snapshot(ctx context.Context, limit int) (string, error)
}

// ChunkSink receives chunks as they stream.
type ChunkSink func(stream.Chunk)

// Options are per-runner model settings.
type Options struct {
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	MaxTurns     int
	WorkingDir   string
	ToolTimeout  time.Duration
	ToolPolicy   *toolexecutor.ToolPolicy
}

// Config holds runner configuration
type Config struct {
	Router    Router
	Tools     *toolexecutor.ToolExecutor
	Sessions  *session.Store
	Queue     *commandqueue.CommandQueue
	Prompt    PromptAssembler
	Memory    MemorySnapshotter
	Compactor *Compactor
	Options   Options
	Logger    zerolog.Logger
}

// Request is one inbound message.
type Request struct {
	// SessionID selects an existing session; otherwise Channel and ChatID do.
	SessionID string
	Channel   string
	ChatID    string
	UserID    string
	Text      string
	Parts     []stream.ContentPart
	OnChunk   ChunkSink
	// MaxTurns overrides Options.MaxTurns when positive.
	MaxTurns int
	// ToolPolicy overrides Options.ToolPolicy when set.
	ToolPolicy *toolexecutor.ToolPolicy
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	SessionID string
	Response  string
	ToolCalls []stream.ToolCall
	Results   []toolexecutor.ToolResult
	Rounds    int
	Usage     stream.Usage
	Outcome   string
	Err       string
	Compacted bool
	Backend   string
}

// Runner drives the model/tool loop for inbound messages.
type Runner struct {
	router    Router
	tools     *toolexecutor.ToolExecutor
	sessions  *session.Store
	queue     *commandqueue.CommandQueue
	prompt    PromptAssembler
	memory    MemorySnapshotter
	compactor *Compactor
	opts      Options
	logger    zerolog.Logger

	// Active runs for abort capability
	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}

	opts := cfg.Options
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}

	return &Runner{
		router:     cfg.Router,
		tools:      cfg.Tools,
		sessions:   cfg.Sessions,
		queue:      cfg.Queue,
		prompt:     cfg.Prompt,
		memory:     cfg.Memory,
		compactor:  cfg.Compactor,
		opts:       opts,
		logger:     cfg.Logger,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run handles one inbound message. Turns for the same session run one at a
// time. Model and tool failures are reported in the TurnResult; the error
// return is reserved for session and queue failures.
func (r *Runner) Run(ctx context.Context, req Request) (*TurnResult, error) {
	if req.Text == "" && len(req.Parts) == 0 {
		return nil, fmt.Errorf("message text cannot be empty")
	}

	sessionID, err := r.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	req.SessionID = sessionID

	ctx = tracing.NewTurnContext(ctx, sessionID)

	value, err := r.queue.Enqueue(ctx, commandqueue.SessionLane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, req)
	})
	if err != nil {
		return nil, err
	}
	return value.(*TurnResult), nil
}

// RunInSession runs a prompt against an existing session.
func (r *Runner) RunInSession(ctx context.Context, sess *session.Session, prompt string, sink ChunkSink) (*TurnResult, error) {
	if sess == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	return r.Run(ctx, Request{SessionID: sess.ID, Text: prompt, OnChunk: sink})
}

// Trigger delivers a scheduled prompt as if a user had sent it on the
// heartbeat channel.
func (r *Runner) Trigger(ctx context.Context, name, text string) (*TurnResult, error) {
	return r.Run(ctx, Request{Channel: HeartbeatChannel, ChatID: name, UserID: "cron", Text: text})
}

// Abort cancels the running turn of a session. It reports whether a turn was running.
func (r *Runner) Abort(sessionID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, exists := r.activeRuns[sessionID]
	if !exists {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return false
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Aborting agent execution")
	cancel()
	delete(r.activeRuns, sessionID)
	return true
}

// DeleteSession removes a session from inside its lane, after any queued or
// running turn has saved.
func (r *Runner) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := r.queue.Enqueue(ctx, commandqueue.SessionLane(sessionID), func(taskCtx context.Context) (interface{}, error) {
		return nil, r.sessions.Delete(taskCtx, sessionID)
	})
	return err
}

// IsRunning checks if a turn is currently running for a session
func (r *Runner) IsRunning(sessionID string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, exists := r.activeRuns[sessionID]
	return exists
}

func (r *Runner) resolveSession(ctx context.Context, req Request) (string, error) {
	if req.SessionID != "" {
		sess, err := r.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return "", fmt.Errorf("failed to load session: %w", err)
		}
		return sess.ID, nil
	}
	sess, err := r.sessions.GetOrCreate(ctx, req.Channel, req.ChatID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	return sess.ID, nil
}

// executeTurn runs inside the session lane.
func (r *Runner) executeTurn(ctx context.Context, req Request) (*TurnResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.turn",
		attribute.String("session_id", req.SessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[req.SessionID] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, req.SessionID)
		r.runsMu.Unlock()
	}()

	sess, err := r.sessions.Get(execCtx, req.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.UserID == "" && req.UserID != "" {
		sess.UserID = req.UserID
	}

	sess.Append(stream.Message{Role: stream.RoleUser, Content: req.Text, Parts: req.Parts})
	if err := r.sessions.Save(execCtx, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	turn := &turnState{
		runner:  r,
		sess:    sess,
		req:     req,
		sink:    req.OnChunk,
		logger:  logger,
		result:  &TurnResult{SessionID: sess.ID},
		maxTurn: r.opts.MaxTurns,
		policy:  r.opts.ToolPolicy,
	}
	if req.MaxTurns > 0 {
		turn.maxTurn = req.MaxTurns
	}
	if req.ToolPolicy != nil {
		turn.policy = req.ToolPolicy
	}

	turn.loop(execCtx)

	// Persist with the parent context so an abort still saves what happened.
	if err := r.sessions.Save(tracing.Detach(ctx), sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	res := turn.result
	observability.RecordTurn(res.Outcome, res.Rounds)
	span.SetAttributes(
		attribute.String("outcome", res.Outcome),
		attribute.Int("rounds", res.Rounds),
	)
	if res.Outcome == OutcomeError {
		span.SetStatus(codes.Error, res.Err)
	}

	logger.Info().
		Str("outcome", res.Outcome).
		Int("rounds", res.Rounds).
		Int("tool_calls", len(res.ToolCalls)).
		Str("backend", res.Backend).
		Msg("Turn finished")

	return res, nil
}

func (r *Runner) systemPrompt(ctx context.Context) string {
	base := r.opts.SystemPrompt

	snapshot := ""
	if r.memory != nil {
		s, err := r.memory.Snapshot(ctx, memorySnapshotLimit)
		if err != nil {
			lg := tracing.LoggerFromContext(ctx, r.logger)
			lg.Warn().Err(err).Msg("Failed to load memory snapshot")
		} else {
			snapshot = s
		}
	}

	if r.prompt == nil {
		if snapshot == "" {
			return base
		}
		return base + "\n\n" + snapshot
	}
	return r.prompt.SystemPrompt(ctx, base, snapshot)
}

// turnState carries one turn through AwaitingModel, InterpretingStream and
// ExecutingTools until it reaches a terminal state.
type turnState struct {
	runner  *Runner
	sess    *session.Session
	req     Request
	sink    ChunkSink
	logger  zerolog.Logger
	result  *TurnResult
	maxTurn int
	policy  *toolexecutor.ToolPolicy
}

func (t *turnState) emit(c stream.Chunk) {
	if t.sink != nil {
		t.sink(c)
	}
}

func (t *turnState) loop(ctx context.Context) {
	r := t.runner
	system := r.systemPrompt(ctx)
	schemas := r.tools.Schemas(t.policy)

	for round := 1; round <= t.maxTurn; round++ {
		if ctx.Err() != nil {
			t.abort()
			return
		}

		if r.compactor != nil {
			if compacted, ok := r.compactor.Compact(ctx, t.sess.Messages); ok {
				t.sess.Messages = compacted
				t.result.Compacted = true
			}
		}

		t.result.Rounds = round
		assistant, ok := t.interpret(ctx, stream.Request{
			Messages:     t.sess.Messages,
			SystemPrompt: system,
			Tools:        schemas,
			MaxTokens:    r.opts.MaxTokens,
			Temperature:  r.opts.Temperature,
		})
		if !ok {
			return
		}

		args := resolveArguments(assistant.ToolCalls)
		t.sess.Append(assistant)
		t.result.Response = assistant.Content

		if len(assistant.ToolCalls) == 0 {
			t.result.Outcome = OutcomeCompleted
			return
		}

		t.executeTools(ctx, assistant.ToolCalls, args)
	}

	notice := fmt.Sprintf("Stopped after %d model rounds without a final answer. Send another message to continue.", t.maxTurn)
	t.logger.Warn().Int("max_turns", t.maxTurn).Msg("Turn budget exhausted")
	t.emit(stream.Text(notice))
	t.sess.Append(stream.Message{Role: stream.RoleAssistant, Content: notice})
	t.result.Response = notice
	t.result.Outcome = OutcomeBudgetExhausted
}

// interpret consumes one routed stream. It returns false when the turn ended.
func (t *turnState) interpret(ctx context.Context, req stream.Request) (stream.Message, bool) {
	acc := stream.NewAccumulator()
	for c := range t.runner.router.Route(ctx, req) {
		acc.Add(c)
		t.emit(c)
		if c.Kind == stream.ChunkError {
			break
		}
	}
	t.result.Backend = acc.Backend()
	if u := acc.Usage(); u != nil {
		t.result.Usage.InputTokens += u.InputTokens
		t.result.Usage.OutputTokens += u.OutputTokens
	}

	if msg := acc.Err(); msg != "" {
		t.fail(acc.Text(), msg)
		return stream.Message{}, false
	}
	if !acc.Done() {
		if ctx.Err() != nil {
			t.abort()
		} else {
			t.fail(acc.Text(), "model stream ended without completion")
		}
		return stream.Message{}, false
	}

	return acc.Message(), true
}

// fail ends the turn on a stream error. Partial text is kept without tool
// calls so no call is left without a result.
func (t *turnState) fail(partial, msg string) {
	if partial != "" {
		t.sess.Append(stream.Message{Role: stream.RoleAssistant, Content: partial})
	}
	t.result.Outcome = OutcomeError
	t.result.Err = msg
	t.result.Response = "Sorry, I could not get a response: " + msg
	t.logger.Error().Str("error", msg).Int("round", t.result.Rounds).Msg("Model stream failed")
}

func (t *turnState) abort() {
	t.result.Outcome = OutcomeAborted
	t.result.Err = context.Canceled.Error()
	t.logger.Info().Msg("Turn aborted")
}

// resolveArguments parses each call's streamed argument text. Repaired
// values replace the call's arguments so the history replays them.
func resolveArguments(calls []stream.ToolCall) []toolexecutor.Arguments {
	args := make([]toolexecutor.Arguments, len(calls))
	for i, call := range calls {
		if call.RawArguments == "" {
			args[i] = toolexecutor.StructuredArgs(call.Arguments)
			continue
		}
		args[i] = toolexecutor.ParseArguments(call.RawArguments)
		if args[i].Kind == toolexecutor.ArgsStructured {
			calls[i].Arguments = args[i].Values
		}
	}
	return args
}

// executeTools appends exactly one tool result per call, in call order.
func (t *turnState) executeTools(ctx context.Context, calls []stream.ToolCall, args []toolexecutor.Arguments) {
	r := t.runner
	for i, call := range calls {
		var res toolexecutor.ToolResult
		if ctx.Err() != nil {
			res = toolexecutor.ToolResult{
				ToolCallID: call.ID,
				Content:    "tool not run: turn aborted",
				IsError:    true,
			}
		} else {
			res = r.tools.Execute(ctx, call.Name, args[i], &toolexecutor.ExecutionContext{
				SessionID:  t.sess.ID,
				ToolCallID: call.ID,
				WorkingDir: r.opts.WorkingDir,
				Timeout:    r.opts.ToolTimeout,
				ToolPolicy: t.policy,
			})
		}
		res.ToolCallID = call.ID

		t.sess.Append(res.Message())
		t.result.ToolCalls = append(t.result.ToolCalls, call)
		t.result.Results = append(t.result.Results, res)
	}
}

// AsError converts an unsuccessful outcome into an error.
func (res *TurnResult) AsError() error {
	switch res.Outcome {
	case OutcomeError:
		return errors.New(res.Err)
	case OutcomeAborted:
		return ErrAborted
	}
	return nil
}
