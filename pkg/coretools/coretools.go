// Package coretools registers the built-in workspace tools: file access,
// patching and command execution, all confined to one workspace root.
package coretools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

const (
	defaultMaxReadBytes = 200000
	defaultExecTimeout  = 30 * time.Second
	maxExecTimeout      = 10 * time.Minute
	defaultListLimit    = 500
)

// ToolRegistrar accepts tool definitions.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot bounds every path argument. The execution context's
	// WorkingDir takes precedence when set.
	WorkspaceRoot string
	ExecTimeout   time.Duration
	MaxReadBytes  int64
	// Env is appended to the environment of exec commands.
	Env    map[string]string
	Logger zerolog.Logger
}

// RegisterCoreTools registers baseline runtime and filesystem tools.
func RegisterCoreTools(registry ToolRegistrar, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	for _, tool := range Tools(opts) {
		if err := registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// Tools returns the core tool definitions.
func Tools(opts Options) []toolexecutor.ToolDefinition {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = defaultExecTimeout
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = defaultMaxReadBytes
	}
	return []toolexecutor.ToolDefinition{
		readFileTool(opts),
		listDirTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		applyPatchTool(opts),
		execTool(opts),
	}
}

func workspaceRoot(execCtx *toolexecutor.ExecutionContext, opts Options) (string, error) {
	if execCtx != nil && strings.TrimSpace(execCtx.WorkingDir) != "" {
		return filepath.Abs(execCtx.WorkingDir)
	}
	if strings.TrimSpace(opts.WorkspaceRoot) != "" {
		return filepath.Abs(opts.WorkspaceRoot)
	}
	return "", fmt.Errorf("workspace root is not configured")
}

// resolvePath maps a tool path argument into root, rejecting escapes.
func resolvePath(root string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside workspace root", pathValue)
	}
	return candidate, nil
}

func stringParam(params map[string]interface{}, name string) string {
	v, _ := params[name].(string)
	return v
}

func toStringSlice(value interface{}) []string {
	raw, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func durationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}
