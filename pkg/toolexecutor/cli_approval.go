package toolexecutor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/kestrel/pkg/events"
	"github.com/rs/zerolog"
)

// Resolver answers pending approvals by id.
type Resolver interface {
	ResolveResponse(resp events.ApprovalResponse) error
}

// CLIApprover answers approval requests from the event bus with terminal prompts.
type CLIApprover struct {
	scanner  *bufio.Scanner
	writer   io.Writer
	resolver Resolver
	logger   zerolog.Logger
}

// NewCLIApprover creates a terminal approver reading answers from reader.
func NewCLIApprover(reader io.Reader, writer io.Writer, resolver Resolver, logger zerolog.Logger) *CLIApprover {
	return &CLIApprover{
		scanner:  bufio.NewScanner(reader),
		writer:   writer,
		resolver: resolver,
		logger:   logger,
	}
}

// Run prompts for each approval request on sub until ctx ends or the
// subscription closes.
func (c *CLIApprover) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			req, ok := evt.Data.(events.ApprovalRequest)
			if !ok {
				continue
			}
			resp := c.Prompt(req)
			if err := c.resolver.ResolveResponse(resp); err != nil {
				c.logger.Warn().Err(err).Str("approval_id", req.ID).Msg("Approval already settled")
				fmt.Fprintln(c.writer, "  Approval request already expired")
			}
		}
	}
}

// Prompt shows req and reads one answer: y, a(lways), or anything else to deny.
func (c *CLIApprover) Prompt(req events.ApprovalRequest) events.ApprovalResponse {
	c.display(req)

	resp := events.ApprovalResponse{ID: req.ID, Actor: "cli"}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			c.logger.Error().Err(err).Msg("Failed to read approval input")
		}
		fmt.Fprintln(c.writer, "\n  No input, DENIED")
		return resp
	}

	input := strings.TrimSpace(strings.ToLower(c.scanner.Text()))
	switch input {
	case "y", "yes":
		resp.Approved = true
		fmt.Fprintln(c.writer, "  APPROVED")
	case "a", "always":
		resp.Approved = true
		resp.Always = true
		fmt.Fprintf(c.writer, "  APPROVED (always for %s)\n", req.ToolName)
	case "n", "no", "":
		fmt.Fprintln(c.writer, "  DENIED")
	default:
		fmt.Fprintf(c.writer, "  Invalid input: %s (defaulting to DENY)\n", input)
	}

	c.logger.Info().
		Str("tool", req.ToolName).
		Bool("approved", resp.Approved).
		Msg("Approval answered via CLI")

	return resp
}

func (c *CLIApprover) display(req events.ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  APPROVAL REQUIRED")
	fmt.Fprintf(c.writer, "  Tool:       %s\n", req.ToolName)
	if req.Description != "" {
		fmt.Fprintf(c.writer, "  Action:     %s\n", req.Description)
	}
	if req.SessionID != "" {
		fmt.Fprintf(c.writer, "  Session:    %s\n", req.SessionID)
	}
	if req.ExpiresAt > 0 {
		remaining := time.Until(time.UnixMilli(req.ExpiresAt)).Round(time.Second)
		if remaining > 0 {
			fmt.Fprintf(c.writer, "  Expires in: %v\n", remaining)
		}
	}
	fmt.Fprint(c.writer, "  Approve? [y/N/a(lways)]: ")
}
