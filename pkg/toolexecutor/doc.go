// Package toolexecutor registers tools, gates risky ones behind human
// approval, and executes them for the agent loop.
//
// Invariants:
// - Tool names are unique.
// - Execute never panics and never returns an error; every failure becomes
//   an error ToolResult.
// - Arguments are schema-validated before approval is requested.
// - Supervised tools run only after an approval, an allowlist hit, or an
//   autonomous override. A timed-out approval is a denial.
//
// Usage:
//
//	gate := toolexecutor.NewApprovalGate(toolexecutor.ApprovalConfig{Bus: bus, Timeout: 2 * time.Minute})
//	exec := toolexecutor.New(toolexecutor.Config{Approver: gate, Logger: logger})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Tier:        toolexecutor.TierRead,
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	res := exec.Execute(ctx, "echo", toolexecutor.StructuredArgs(map[string]interface{}{"text": "hi"}), nil)
package toolexecutor
