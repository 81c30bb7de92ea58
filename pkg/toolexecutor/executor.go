package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultToolTimeout    = 60 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
)

var (
	// ErrToolNotFound is wrapped by results and errors for unknown tools.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExists is returned when registering a duplicate name.
	ErrToolExists = errors.New("tool already registered")
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	// Items is the element type for array parameters.
	Items string `json:"items,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Tier        RiskTier        `json:"tier"`
	Timeout     time.Duration   `json:"-"`
	Handler     ToolHandler     `json:"-"`
	// Describe renders the approval prompt for supervised calls.
	Describe func(params map[string]interface{}) string `json:"-"`
}

// ToolResult is the outcome of one tool invocation. Denials are not errors.
type ToolResult struct {
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Content    string                 `json:"content"`
	IsError    bool                   `json:"is_error,omitempty"`
	Denied     bool                   `json:"denied,omitempty"`
	Truncated  bool                   `json:"truncated,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Message converts the result into the tool-role message appended to a session.
func (r ToolResult) Message() stream.Message {
	return stream.Message{
		Role:       stream.RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		IsError:    r.IsError,
	}
}

func errorResult(format string, args ...interface{}) ToolResult {
	return ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Config configures a ToolExecutor.
type Config struct {
	Logger zerolog.Logger
	// Approver decides supervised calls; nil denies them.
	Approver Approver
	// Policy is applied when the execution context carries none.
	Policy *ToolPolicy
	// Autonomous names supervised tools that run without approval.
	Autonomous     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// ToolExecutor is the tool registry: it validates, gates and runs tools.
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	approver       Approver
	policy         *ToolPolicy
	autonomous     map[string]bool
	defaultTimeout time.Duration
	maxOutput      int
	logger         zerolog.Logger
	mu             sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultToolTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	te := &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		approver:       cfg.Approver,
		policy:         cfg.Policy,
		autonomous:     make(map[string]bool, len(cfg.Autonomous)),
		defaultTimeout: cfg.DefaultTimeout,
		maxOutput:      cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}
	for _, name := range cfg.Autonomous {
		te.autonomous[name] = true
	}

	return te
}

// SetApprover replaces the approver used for supervised tools.
func (te *ToolExecutor) SetApprover(approver Approver) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.approver = approver
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if def.Tier == "" {
		def.Tier = TierSupervised
	}

	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(parameterSchema(def.Parameters)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().Str("tool", def.Name).Str("tier", string(def.Tier)).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Schemas exports the tools admitted by policy in backend-neutral form.
func (te *ToolExecutor) Schemas(policy *ToolPolicy) []stream.ToolSchema {
	if policy == nil {
		policy = te.policy
	}

	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]stream.ToolSchema, 0, len(te.tools))
	for name, def := range te.tools {
		if !policy.IsToolAllowed(name) {
			continue
		}
		out = append(out, stream.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  parameterSchema(def.Parameters),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// TierOf returns the effective tier of a tool after autonomous overrides.
func (te *ToolExecutor) TierOf(name string) RiskTier {
	te.mu.RLock()
	defer te.mu.RUnlock()

	def, ok := te.tools[name]
	if !ok {
		return ""
	}
	if def.Tier == TierSupervised && te.autonomous[name] {
		return TierAutonomous
	}
	return def.Tier
}

// Execute runs one tool call. It never panics and never fails: unknown
// tools, policy violations, invalid arguments, denials, timeouts and
// handler errors all come back as a ToolResult.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, args Arguments, execCtx *ExecutionContext) (result ToolResult) {
	startTime := time.Now()
	if execCtx == nil {
		execCtx = &ExecutionContext{}
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "toolexecutor.execute",
		attribute.String("tool", toolName),
		attribute.String("session_id", execCtx.SessionID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, te.logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("tool", toolName).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool execution panicked")
			result = errorResult("tool %s panicked: %v", toolName, r)
		}

		result.ToolCallID = execCtx.ToolCallID
		if result.Metadata == nil {
			result.Metadata = map[string]interface{}{}
		}
		duration := time.Since(startTime)
		result.Metadata["duration_ms"] = duration.Milliseconds()

		if result.IsError {
			span.SetStatus(codes.Error, result.Content)
		}
		observability.RecordToolExecution(toolName, duration, !result.IsError && !result.Denied)
		observability.RecordToolAudit(ctx, toolName, execCtx.SessionID, !result.IsError && !result.Denied, map[string]interface{}{
			"denied":    result.Denied,
			"truncated": result.Truncated,
		})
	}()

	policy := execCtx.ToolPolicy
	if policy == nil {
		policy = te.policy
	}
	if !policy.IsToolAllowed(toolName) {
		logger.Warn().Str("tool", toolName).Msg("Tool execution blocked by policy")
		res := errorResult("tool '%s' is not allowed by policy", toolName)
		res.Metadata = map[string]interface{}{"policy_violation": true}
		return res
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	approver := te.approver
	autonomous := te.autonomous[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Str("tool", toolName).Msg("Tool not found")
		return errorResult("%v: %s", ErrToolNotFound, toolName)
	}

	params, err := args.Resolve()
	if err != nil {
		return errorResult("invalid arguments for %s: %v", toolName, err)
	}
	if args.Kind == ArgsInvalid {
		logger.Warn().Str("tool", toolName).Str("reason", args.Reason).Msg("Unparseable tool arguments, using empty set")
	}

	if err := validateParameters(schema, params); err != nil {
		logger.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return errorResult("parameter validation failed: %v", err)
	}

	if tool.Tier == TierSupervised && !autonomous {
		if approver == nil {
			return ToolResult{Content: fmt.Sprintf("Tool %s was denied: no approver is configured.", toolName), Denied: true}
		}
		desc := describe(tool, params)
		decision := approver.Request(ctx, ApprovalRequest{
			ToolName:    toolName,
			Description: desc,
			SessionID:   execCtx.SessionID,
		})
		if !decision.Approved {
			return ToolResult{
				Content:  deniedMessage(toolName, decision.Outcome),
				Denied:   true,
				Metadata: map[string]interface{}{"approval": decision.Outcome},
			}
		}
	}

	timeout := te.defaultTimeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	if execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	return te.run(ctx, logger, tool, params, execCtx, timeout)
}

func (te *ToolExecutor) run(ctx context.Context, logger zerolog.Logger, tool *ToolDefinition, params map[string]interface{}, execCtx *ExecutionContext, timeout time.Duration) ToolResult {
	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("tool", tool.Name).
					Interface("panic", r).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool.Name, r)}
			}
		}()
		value, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Warn().Str("tool", tool.Name).Err(out.err).Msg("Tool execution failed")
			return ToolResult{Content: out.err.Error(), IsError: true}
		}
		content, truncated := te.truncateOutput(formatOutput(out.value))
		logger.Debug().Str("tool", tool.Name).Bool("truncated", truncated).Msg("Tool execution completed")
		return ToolResult{Content: content, Truncated: truncated}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return errorResult("tool %s cancelled: %v", tool.Name, ctx.Err())
		}
		logger.Warn().Str("tool", tool.Name).Dur("timeout", timeout).Msg("Tool execution timeout")
		return errorResult("tool execution timeout after %v", timeout)
	}
}

func describe(tool *ToolDefinition, params map[string]interface{}) string {
	if tool.Describe != nil {
		if desc := tool.Describe(params); desc != "" {
			return desc
		}
	}
	return fmt.Sprintf("%s %s", tool.Name, StructuredArgs(params).Summary(200))
}

func deniedMessage(toolName, outcome string) string {
	switch outcome {
	case OutcomeTimeout:
		return fmt.Sprintf("Tool %s was denied: approval timed out. Continue without it.", toolName)
	case OutcomeCancelled:
		return fmt.Sprintf("Tool %s was denied: the approval request was cancelled.", toolName)
	default:
		return fmt.Sprintf("Tool %s was denied by the user. Continue without it.", toolName)
	}
}

func formatOutput(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

// validateToolDefinition validates a tool definition
func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if _, err := ParseRiskTier(string(def.Tier)); err != nil {
		return err
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// parameterSchema renders the JSON Schema for a tool's parameters.
func parameterSchema(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, e := range param.Enum {
				enum[i] = e
			}
			paramSchema["enum"] = enum
		}
		if param.Type == "array" {
			items := param.Items
			if items == "" {
				items = "string"
			}
			paramSchema["items"] = map[string]interface{}{"type": items}
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

// truncateOutput caps output at the configured byte limit.
func (te *ToolExecutor) truncateOutput(output string) (string, bool) {
	if len(output) <= te.maxOutput {
		return output, false
	}

	te.logger.Debug().
		Int("original", len(output)).
		Int("truncated", te.maxOutput).
		Msg("Output truncated")

	return clipUTF8(output, te.maxOutput) + "\n... [output truncated]", true
}
