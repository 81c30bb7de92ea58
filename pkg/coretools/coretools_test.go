package coretools

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

func setupTestWorkspace(t *testing.T) (string, map[string]toolexecutor.ToolDefinition) {
	t.Helper()
	root := t.TempDir()
	tools := make(map[string]toolexecutor.ToolDefinition)
	for _, def := range Tools(Options{WorkspaceRoot: root, Logger: zerolog.Nop()}) {
		tools[def.Name] = def
	}
	return root, tools
}

func call(t *testing.T, def toolexecutor.ToolDefinition, params map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	out, err := def.Handler(context.Background(), params)
	if err != nil {
		return nil, err
	}
	result, ok := out.(map[string]interface{})
	require.True(t, ok)
	return result, nil
}

func writeTestFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestRegisterCoreTools(t *testing.T) {
	te := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, RegisterCoreTools(te, Options{WorkspaceRoot: t.TempDir()}))

	assert.Equal(t, toolexecutor.TierRead, te.TierOf("read_file"))
	assert.Equal(t, toolexecutor.TierRead, te.TierOf("list_dir"))
	assert.Equal(t, toolexecutor.TierSupervised, te.TierOf("write_file"))
	assert.Equal(t, toolexecutor.TierSupervised, te.TierOf("edit_file"))
	assert.Equal(t, toolexecutor.TierSupervised, te.TierOf("apply_patch"))
	assert.Equal(t, toolexecutor.TierSupervised, te.TierOf("exec"))

	err := RegisterCoreTools(te, Options{})
	assert.ErrorIs(t, err, toolexecutor.ErrToolExists)
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()

	t.Run("should resolve relative paths", func(t *testing.T) {
		got, err := resolvePath(root, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "a", "b.txt"), got)
	})

	t.Run("should reject escapes", func(t *testing.T) {
		_, err := resolvePath(root, "../outside.txt")
		assert.Error(t, err)
		_, err = resolvePath(root, "/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("should reject urls and empty paths", func(t *testing.T) {
		_, err := resolvePath(root, "http://example.com/x")
		assert.Error(t, err)
		_, err = resolvePath(root, "  ")
		assert.Error(t, err)
	})

	t.Run("should allow the root itself", func(t *testing.T) {
		got, err := resolvePath(root, ".")
		require.NoError(t, err)
		assert.Equal(t, filepath.Clean(root), got)
	})
}

func TestReadFile(t *testing.T) {
	root, tools := setupTestWorkspace(t)
	writeTestFile(t, root, "notes.txt", "hello world")

	t.Run("should read file content", func(t *testing.T) {
		out, err := call(t, tools["read_file"], map[string]interface{}{"path": "notes.txt"})
		require.NoError(t, err)
		assert.Equal(t, "hello world", out["content"])
		assert.Equal(t, false, out["truncated"])
	})

	t.Run("should truncate at max_bytes", func(t *testing.T) {
		out, err := call(t, tools["read_file"], map[string]interface{}{"path": "notes.txt", "max_bytes": float64(5)})
		require.NoError(t, err)
		assert.Equal(t, "hello", out["content"])
		assert.Equal(t, true, out["truncated"])
	})

	t.Run("should not truncate at exact size", func(t *testing.T) {
		out, err := call(t, tools["read_file"], map[string]interface{}{"path": "notes.txt", "max_bytes": float64(11)})
		require.NoError(t, err)
		assert.Equal(t, false, out["truncated"])
	})

	t.Run("should fail for missing file", func(t *testing.T) {
		_, err := call(t, tools["read_file"], map[string]interface{}{"path": "missing.txt"})
		assert.Error(t, err)
	})

	t.Run("should refuse paths outside workspace", func(t *testing.T) {
		_, err := call(t, tools["read_file"], map[string]interface{}{"path": "../secret"})
		assert.ErrorContains(t, err, "outside workspace root")
	})
}

func TestListDir(t *testing.T) {
	root, tools := setupTestWorkspace(t)
	writeTestFile(t, root, "a.txt", "a")
	writeTestFile(t, root, "sub/b.txt", "bb")

	t.Run("should list top level", func(t *testing.T) {
		out, err := call(t, tools["list_dir"], map[string]interface{}{})
		require.NoError(t, err)
		entries := out["entries"].([]dirEntry)
		require.Len(t, entries, 2)
		assert.Equal(t, dirEntry{Name: "a.txt", Type: "file", Size: 1}, entries[0])
		assert.Equal(t, dirEntry{Name: "sub", Type: "dir"}, entries[1])
	})

	t.Run("should descend when recursive", func(t *testing.T) {
		out, err := call(t, tools["list_dir"], map[string]interface{}{"recursive": true})
		require.NoError(t, err)
		entries := out["entries"].([]dirEntry)
		require.Len(t, entries, 3)
		assert.Equal(t, "sub/b.txt", entries[2].Name)
	})

	t.Run("should honor limit", func(t *testing.T) {
		out, err := call(t, tools["list_dir"], map[string]interface{}{"recursive": true, "limit": float64(1)})
		require.NoError(t, err)
		assert.Equal(t, 1, out["count"])
		assert.Equal(t, true, out["truncated"])
	})

	t.Run("should reject files", func(t *testing.T) {
		_, err := call(t, tools["list_dir"], map[string]interface{}{"path": "a.txt"})
		assert.Error(t, err)
	})
}

func TestWriteAndEditFile(t *testing.T) {
	root, tools := setupTestWorkspace(t)

	t.Run("should create parent directories", func(t *testing.T) {
		_, err := call(t, tools["write_file"], map[string]interface{}{"path": "out/file.txt", "content": "one\n"})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "out", "file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "one\n", string(data))
	})

	t.Run("should append", func(t *testing.T) {
		_, err := call(t, tools["write_file"], map[string]interface{}{"path": "out/file.txt", "content": "two\n", "append": true})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "out", "file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\n", string(data))
	})

	t.Run("should replace first occurrence", func(t *testing.T) {
		writeTestFile(t, root, "edit.txt", "foo foo foo")
		out, err := call(t, tools["edit_file"], map[string]interface{}{"path": "edit.txt", "search": "foo", "replace": "bar"})
		require.NoError(t, err)
		assert.Equal(t, 1, out["occurrences"])

		data, _ := os.ReadFile(filepath.Join(root, "edit.txt"))
		assert.Equal(t, "bar foo foo", string(data))
	})

	t.Run("should replace all occurrences", func(t *testing.T) {
		writeTestFile(t, root, "edit.txt", "foo foo foo")
		out, err := call(t, tools["edit_file"], map[string]interface{}{"path": "edit.txt", "search": "foo", "replace": "bar", "replace_all": true})
		require.NoError(t, err)
		assert.Equal(t, 3, out["occurrences"])

		data, _ := os.ReadFile(filepath.Join(root, "edit.txt"))
		assert.Equal(t, "bar bar bar", string(data))
	})

	t.Run("should fail when search text is missing", func(t *testing.T) {
		_, err := call(t, tools["edit_file"], map[string]interface{}{"path": "edit.txt", "search": "nope", "replace": "x"})
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("should describe writes for approval", func(t *testing.T) {
		desc := tools["write_file"].Describe(map[string]interface{}{"path": "a.txt", "content": "abc"})
		assert.Equal(t, "Write 3 bytes to a.txt", desc)
	})
}

func TestApplyPatch(t *testing.T) {
	root, tools := setupTestWorkspace(t)
	writeTestFile(t, root, "main.txt", "line1\nline2\nline3\n")

	t.Run("should apply hunk", func(t *testing.T) {
		patch := strings.Join([]string{
			"--- a/main.txt",
			"+++ b/main.txt",
			"@@ -1,3 +1,3 @@",
			" line1",
			"-line2",
			"+line two",
			" line3",
		}, "\n")

		out, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		require.NoError(t, err)
		files := out["files"].([]patchResult)
		require.Len(t, files, 1)
		assert.Equal(t, patchResult{Path: "main.txt", Hunks: 1}, files[0])

		data, _ := os.ReadFile(filepath.Join(root, "main.txt"))
		assert.Equal(t, "line1\nline two\nline3\n", string(data))
	})

	t.Run("should create new files", func(t *testing.T) {
		patch := "--- /dev/null\n+++ b/new/file.txt\n@@ -0,0 +1,2 @@\n+alpha\n+beta\n"
		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(root, "new", "file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\n", string(data))
	})

	t.Run("should leave files untouched on mismatch", func(t *testing.T) {
		patch := "+++ b/main.txt\n@@ -1,1 +1,1 @@\n-nope\n+x\n"
		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		assert.ErrorContains(t, err, "main.txt: hunk 1 does not apply")

		data, _ := os.ReadFile(filepath.Join(root, "main.txt"))
		assert.Equal(t, "line1\nline two\nline3\n", string(data))
	})

	t.Run("should reject patches without files", func(t *testing.T) {
		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": "just text"})
		assert.Error(t, err)
	})

	t.Run("should apply hunks whose line numbers drifted", func(t *testing.T) {
		writeTestFile(t, root, "drift.txt", "a\nb\nc\nd\ne\nf\ng\nh\n")
		patch := "+++ b/drift.txt\n@@ -1,3 +1,3 @@\n e\n-f\n+F\n g\n"

		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		require.NoError(t, err)

		data, _ := os.ReadFile(filepath.Join(root, "drift.txt"))
		assert.Equal(t, "a\nb\nc\nd\ne\nF\ng\nh\n", string(data))
	})

	t.Run("should apply several hunks in order", func(t *testing.T) {
		writeTestFile(t, root, "multi.txt", "one\ntwo\nthree\nfour\nfive\nsix\nseven\n")
		patch := strings.Join([]string{
			"+++ b/multi.txt",
			"@@ -1,2 +1,3 @@",
			" one",
			"+one and a half",
			" two",
			"@@ -6,2 +7,1 @@",
			"-six",
			" seven",
		}, "\n")

		out, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		require.NoError(t, err)
		assert.Equal(t, 2, out["files"].([]patchResult)[0].Hunks)

		data, _ := os.ReadFile(filepath.Join(root, "multi.txt"))
		assert.Equal(t, "one\none and a half\ntwo\nthree\nfour\nfive\nseven\n", string(data))
	})

	t.Run("should name the failing hunk and write nothing", func(t *testing.T) {
		writeTestFile(t, root, "partial.txt", "one\ntwo\nthree\n")
		patch := strings.Join([]string{
			"+++ b/partial.txt",
			"@@ -1,1 +1,1 @@",
			"-one",
			"+ONE",
			"@@ -3,1 +3,1 @@",
			"-zzz",
			"+y",
		}, "\n")

		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		assert.ErrorContains(t, err, "partial.txt: hunk 2 does not apply")

		data, _ := os.ReadFile(filepath.Join(root, "partial.txt"))
		assert.Equal(t, "one\ntwo\nthree\n", string(data))
	})

	t.Run("should honor missing trailing newline markers", func(t *testing.T) {
		writeTestFile(t, root, "eof.txt", "keep\nlast")
		patch := strings.Join([]string{
			"+++ b/eof.txt",
			"@@ -1,2 +1,2 @@",
			" keep",
			"-last",
			"\\ No newline at end of file",
			"+final",
			"\\ No newline at end of file",
		}, "\n")

		_, err := call(t, tools["apply_patch"], map[string]interface{}{"patch": patch})
		require.NoError(t, err)

		data, _ := os.ReadFile(filepath.Join(root, "eof.txt"))
		assert.Equal(t, "keep\nfinal", string(data))
	})
}

func TestExec(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exec tests use sh")
	}
	root, tools := setupTestWorkspace(t)

	t.Run("should run shell command in workspace", func(t *testing.T) {
		out, err := call(t, tools["exec"], map[string]interface{}{"command": "pwd"})
		require.NoError(t, err)
		resolved, _ := filepath.EvalSymlinks(root)
		got, _ := filepath.EvalSymlinks(strings.TrimSpace(out["stdout"].(string)))
		assert.Equal(t, resolved, got)
		assert.Equal(t, 0, out["exit_code"])
	})

	t.Run("should run command with args directly", func(t *testing.T) {
		out, err := call(t, tools["exec"], map[string]interface{}{
			"command": "echo",
			"args":    []interface{}{"hello", "world"},
		})
		require.NoError(t, err)
		assert.Equal(t, "hello world\n", out["stdout"])
	})

	t.Run("should report non-zero exit codes", func(t *testing.T) {
		out, err := call(t, tools["exec"], map[string]interface{}{"command": "echo oops >&2; exit 3"})
		require.NoError(t, err)
		assert.Equal(t, 3, out["exit_code"])
		assert.Equal(t, "oops\n", out["stderr"])
	})

	t.Run("should pass stdin", func(t *testing.T) {
		out, err := call(t, tools["exec"], map[string]interface{}{"command": "cat", "stdin": "piped"})
		require.NoError(t, err)
		assert.Equal(t, "piped", out["stdout"])
	})

	t.Run("should time out", func(t *testing.T) {
		start := time.Now()
		_, err := call(t, tools["exec"], map[string]interface{}{"command": "sleep 5", "timeout": 0.2})
		assert.ErrorContains(t, err, "timed out")
		assert.Less(t, time.Since(start), 4*time.Second)
	})

	t.Run("should reject cwd outside workspace", func(t *testing.T) {
		_, err := call(t, tools["exec"], map[string]interface{}{"command": "ls", "cwd": "../"})
		assert.Error(t, err)
	})
}

func TestCoreTools_ThroughExecutor(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "a.txt", "from exec context")

	te := toolexecutor.New(toolexecutor.Config{
		Approver: toolexecutor.StaticApprover{Approve: false},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, RegisterCoreTools(te, Options{}))

	t.Run("should read using execution context working dir", func(t *testing.T) {
		res := te.Execute(context.Background(), "read_file",
			toolexecutor.StructuredArgs(map[string]interface{}{"path": "a.txt"}),
			&toolexecutor.ExecutionContext{SessionID: "s1", WorkingDir: root})
		assert.False(t, res.IsError, res.Content)
		assert.Contains(t, res.Content, "from exec context")
	})

	t.Run("should deny supervised write without approval", func(t *testing.T) {
		res := te.Execute(context.Background(), "write_file",
			toolexecutor.StructuredArgs(map[string]interface{}{"path": "b.txt", "content": "x"}),
			&toolexecutor.ExecutionContext{SessionID: "s1", WorkingDir: root})
		assert.True(t, res.Denied)
		_, err := os.Stat(filepath.Join(root, "b.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("should fail without workspace root", func(t *testing.T) {
		res := te.Execute(context.Background(), "read_file",
			toolexecutor.StructuredArgs(map[string]interface{}{"path": "a.txt"}),
			&toolexecutor.ExecutionContext{SessionID: "s1"})
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "workspace root is not configured")
	})
}
