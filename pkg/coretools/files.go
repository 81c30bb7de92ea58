package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Tier:        toolexecutor.TierRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read", Default: opts.MaxReadBytes},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			target, err := resolvePath(root, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := opts.MaxReadBytes
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

type dirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Tier:        toolexecutor.TierRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace (default: workspace root)"},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories"},
			{Name: "limit", Type: "number", Description: "Maximum entries to return", Default: defaultListLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := resolvePath(root, pathValue)
			if err != nil {
				return nil, err
			}
			recursive, _ := params["recursive"].(bool)
			limit := defaultListLimit
			if raw, ok := params["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}

			entries, truncated, err := listDir(ctx, target, recursive, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      pathValue,
				"entries":   entries,
				"count":     len(entries),
				"truncated": truncated,
			}, nil
		},
	}
}

func listDir(ctx context.Context, dir string, recursive bool, limit int) ([]dirEntry, bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, false, err
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("%s is not a directory", filepath.Base(dir))
	}

	entries := []dirEntry{}
	truncated := false
	errLimit := errors.New("limit reached")

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if len(entries) >= limit {
			truncated = true
			return errLimit
		}

		entry := dirEntry{Name: filepath.ToSlash(rel), Type: "file"}
		switch {
		case d.IsDir():
			entry.Type = "dir"
		case d.Type()&os.ModeSymlink != 0:
			entry.Type = "symlink"
		default:
			if fi, err := d.Info(); err == nil {
				entry.Size = fi.Size()
			}
		}
		entries = append(entries, entry)

		if d.IsDir() && !recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, false, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, truncated, nil
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Tier:        toolexecutor.TierSupervised,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of replacing"},
		},
		Describe: func(params map[string]interface{}) string {
			verb := "Write"
			if appendMode, _ := params["append"].(bool); appendMode {
				verb = "Append"
			}
			content := stringParam(params, "content")
			return fmt.Sprintf("%s %d bytes to %s", verb, len(content), stringParam(params, "path"))
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			target, err := resolvePath(root, pathValue)
			if err != nil {
				return nil, err
			}
			content := stringParam(params, "content")
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if appendMode {
				err = appendFile(target, content)
			} else {
				err = writeFileAtomic(target, []byte(content))
			}
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Tier:        toolexecutor.TierSupervised,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence"},
		},
		Describe: func(params map[string]interface{}) string {
			return fmt.Sprintf("Edit %s", stringParam(params, "path"))
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			pathValue := stringParam(params, "path")
			target, err := resolvePath(root, pathValue)
			if err != nil {
				return nil, err
			}
			search := stringParam(params, "search")
			replace := stringParam(params, "replace")
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found in %s", pathValue)
			}
			if replaceAll {
				content = strings.ReplaceAll(content, search, replace)
			} else {
				content = strings.Replace(content, search, replace, 1)
				occurrences = 1
			}

			if err := writeFileAtomic(target, []byte(content)); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":        pathValue,
				"occurrences": occurrences,
			}, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", filepath.Base(path))
	}

	var buf bytes.Buffer
	// one extra byte detects truncation
	n, err := io.CopyN(&buf, file, limit+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if n > limit {
		return buf.Bytes()[:limit], true, nil
	}
	return buf.Bytes(), false, nil
}

func writeFileAtomic(target string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func appendFile(target string, content string) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
