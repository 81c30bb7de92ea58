package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/toolexecutor"
)

const (
	maxStreamBytes = 64 * 1024
	// waitDelay bounds how long output pipes held by orphaned children
	// may keep a killed command alive.
	waitDelay = 2 * time.Second
)

func execTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec",
		Description: "Run a command in the workspace. Without args the command runs through sh -c.",
		Tier:        toolexecutor.TierSupervised,
		Timeout:     maxExecTimeout,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Items: "string", Description: "Command arguments; when set the command runs directly"},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds"},
			{Name: "stdin", Type: "string", Description: "Standard input"},
		},
		Describe: func(params map[string]interface{}) string {
			parts := append([]string{stringParam(params, "command")}, toStringSlice(params["args"])...)
			return "Run: " + strings.Join(parts, " ")
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}

			command := strings.TrimSpace(stringParam(params, "command"))
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			cwd := root
			if raw := stringParam(params, "cwd"); strings.TrimSpace(raw) != "" {
				if cwd, err = resolvePath(root, raw); err != nil {
					return nil, err
				}
			}

			timeout := durationSeconds(params["timeout"], opts.ExecTimeout)
			if timeout > maxExecTimeout {
				timeout = maxExecTimeout
			}

			return runCommand(ctx, opts, commandSpec{
				command: command,
				args:    toStringSlice(params["args"]),
				dir:     cwd,
				stdin:   stringParam(params, "stdin"),
				timeout: timeout,
			})
		},
	}
}

type commandSpec struct {
	command string
	args    []string
	dir     string
	stdin   string
	timeout time.Duration
}

func runCommand(ctx context.Context, opts Options, spec commandSpec) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(spec.args) == 0 {
		cmd = exec.CommandContext(ctx, "sh", "-c", spec.command)
	} else {
		cmd = exec.CommandContext(ctx, spec.command, spec.args...)
	}
	cmd.Dir = spec.dir
	cmd.WaitDelay = waitDelay
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}

	stdout := &cappedBuffer{limit: maxStreamBytes}
	stderr := &cappedBuffer{limit: maxStreamBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := tracing.LoggerFromContext(ctx, opts.Logger)
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("command timed out after %s", spec.timeout)
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	logger.Debug().
		Str("command", spec.command).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command finished")

	return map[string]interface{}{
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
		"truncated":   stdout.truncated || stderr.truncated,
	}, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest.
type cappedBuffer struct {
	buf       strings.Builder
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
