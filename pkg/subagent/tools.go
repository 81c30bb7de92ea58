package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

// ToolRegistrar is the subset of the tool registry sub-agent tools need.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// RegisterTools registers spawn_subagent and subagent_status.
func RegisterTools(registry ToolRegistrar, s *Supervisor) error {
	if s == nil {
		return fmt.Errorf("supervisor is required")
	}
	for _, def := range Tools(s) {
		if err := registry.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Tools returns the sub-agent tool definitions bound to s.
func Tools(s *Supervisor) []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name: "spawn_subagent",
			Description: "Delegate a self-contained task to a background sub-agent. Returns a task id at once; " +
				"call subagent_status with that id to read the result. At most a few sub-agents run at a time.",
			Tier: toolexecutor.TierAutonomous,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "task", Type: "string", Description: "Complete description of the task", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var parent string
				if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
					parent = execCtx.SessionID
				}
				description, _ := params["task"].(string)

				task, err := s.Spawn(ctx, description, parent)
				if errors.Is(err, ErrCeilingReached) {
					return nil, fmt.Errorf("%w: %d sub-agents are already running, try again later", err, s.max)
				}
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"task_id": task.ID,
					"status":  task.Status,
					"hint":    "call subagent_status with this task_id to read the result",
				}, nil
			},
		},
		{
			Name:        "subagent_status",
			Description: "Show the status and result of sub-agent tasks. Without task_id, lists tasks of this session.",
			Tier:        toolexecutor.TierRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "task_id", Type: "string", Description: "Task id returned by spawn_subagent"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if id, _ := params["task_id"].(string); id != "" {
					task, ok := s.Get(id)
					if !ok {
						return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
					}
					return task, nil
				}

				var parent string
				if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
					parent = execCtx.SessionID
				}
				tasks := s.List(parent)
				return map[string]interface{}{
					"tasks": tasks,
					"count": len(tasks),
				}, nil
			},
		},
	}
}
