package subagent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

func setupTestTools(t *testing.T) (*toolexecutor.ToolExecutor, *testSupervisor) {
	t.Helper()
	ts := setupTestSupervisor(t, newFakeRunner())
	exec := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, RegisterTools(exec, ts.sup))
	return exec, ts
}

func TestRegisterTools(t *testing.T) {
	exec, ts := setupTestTools(t)

	assert.Equal(t, toolexecutor.TierAutonomous, exec.TierOf("spawn_subagent"))
	assert.Equal(t, toolexecutor.TierRead, exec.TierOf("subagent_status"))
	assert.Error(t, RegisterTools(exec, nil))
	assert.Error(t, RegisterTools(exec, ts.sup))

	t.Run("should point the model at the status tool", func(t *testing.T) {
		spawn := Tools(ts.sup)[0]
		require.Equal(t, "spawn_subagent", spawn.Name)
		assert.Contains(t, spawn.Description, "subagent_status")
		assert.NotContains(t, spawn.Description, "reported")
	})
}

func TestSubagentTools(t *testing.T) {
	ctx := context.Background()
	exec, ts := setupTestTools(t)
	defer close(ts.runner.release)

	execCtx := &toolexecutor.ExecutionContext{SessionID: "parent-session", ToolCallID: "call_1"}
	res := exec.Execute(ctx, "spawn_subagent", toolexecutor.StructuredArgs(map[string]interface{}{
		"task": "collect the release notes",
	}), execCtx)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "task_id")
	assert.Contains(t, res.Content, "subagent_status")

	tasks := ts.sup.List("parent-session")
	require.Len(t, tasks, 1)
	assert.Equal(t, "collect the release notes", tasks[0].Description)

	res = exec.Execute(ctx, "subagent_status", toolexecutor.StructuredArgs(map[string]interface{}{}), execCtx)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, `"count": 1`)

	res = exec.Execute(ctx, "subagent_status", toolexecutor.StructuredArgs(map[string]interface{}{
		"task_id": tasks[0].ID,
	}), nil)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "collect the release notes")

	res = exec.Execute(ctx, "subagent_status", toolexecutor.StructuredArgs(map[string]interface{}{
		"task_id": "missing",
	}), nil)
	assert.True(t, res.IsError)

	for i := 0; i < 2; i++ {
		res = exec.Execute(ctx, "spawn_subagent", toolexecutor.StructuredArgs(map[string]interface{}{"task": "more"}), execCtx)
		require.False(t, res.IsError, res.Content)
	}
	res = exec.Execute(ctx, "spawn_subagent", toolexecutor.StructuredArgs(map[string]interface{}{"task": "too many"}), execCtx)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "ceiling reached")
}
