package toolexecutor

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harun/kestrel/pkg/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureResolver struct {
	responses chan events.ApprovalResponse
}

func (c *captureResolver) ResolveResponse(resp events.ApprovalResponse) error {
	c.responses <- resp
	return nil
}

func TestCLIApprover_Prompt(t *testing.T) {
	tests := []struct {
		input    string
		approved bool
		always   bool
	}{
		{input: "y\n", approved: true},
		{input: "YES\n", approved: true},
		{input: "a\n", approved: true, always: true},
		{input: "n\n"},
		{input: "\n"},
		{input: "maybe\n"},
		{input: ""},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			approver := NewCLIApprover(strings.NewReader(tt.input), &out, nil, zerolog.Nop())

			resp := approver.Prompt(events.ApprovalRequest{ID: "a1", ToolName: "exec", Description: "run ls"})

			assert.Equal(t, "a1", resp.ID)
			assert.Equal(t, tt.approved, resp.Approved)
			assert.Equal(t, tt.always, resp.Always)
			assert.Equal(t, "cli", resp.Actor)
			assert.Contains(t, out.String(), "APPROVAL REQUIRED")
			assert.Contains(t, out.String(), "run ls")
		})
	}
}

func TestCLIApprover_Run(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	defer bus.Close()
	sub := bus.Subscribe(events.ApprovalRequested)

	resolver := &captureResolver{responses: make(chan events.ApprovalResponse, 1)}
	var out bytes.Buffer
	approver := NewCLIApprover(strings.NewReader("y\n"), &out, resolver, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go approver.Run(ctx, sub)

	bus.Publish(events.ApprovalRequested, events.ApprovalRequest{ID: "req-1", ToolName: "write_file"})

	select {
	case resp := <-resolver.responses:
		require.Equal(t, "req-1", resp.ID)
		assert.True(t, resp.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("approver did not resolve")
	}
}
