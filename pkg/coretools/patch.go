package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/harun/kestrel/pkg/toolexecutor"
)

const (
	// hunkMatchThreshold tolerates roughly one wrong byte in ten around a hunk.
	hunkMatchThreshold = 0.1
	// hunkMatchDistance scales how far a fuzzy match may sit from the hunk's line.
	hunkMatchDistance = 100000
)

type patchHunk struct {
	// start is the original line from "@@ -start,n".
	start int
	ops   []diffmatchpatch.Diff
}

type filePatch struct {
	path  string
	hunks []patchHunk
}

type patchResult struct {
	Path  string `json:"path"`
	Hunks int    `json:"hunks"`
}

func applyPatchTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "apply_patch",
		Description: "Apply a unified diff to files in the workspace. Hunks may drift from their line numbers; nothing is written unless every hunk applies.",
		Tier:        toolexecutor.TierSupervised,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "patch", Type: "string", Description: "Unified diff", Required: true},
		},
		Describe: func(params map[string]interface{}) string {
			patches, err := parsePatch(stringParam(params, "patch"))
			if err != nil || len(patches) == 0 {
				return "Apply patch"
			}
			paths := make([]string, 0, len(patches))
			for _, p := range patches {
				paths = append(paths, p.path)
			}
			return "Apply patch to " + strings.Join(paths, ", ")
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			root, err := workspaceRoot(toolexecutor.ExecContextFromContext(ctx), opts)
			if err != nil {
				return nil, err
			}
			text := stringParam(params, "patch")
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("patch is required")
			}

			patches, err := parsePatch(text)
			if err != nil {
				return nil, err
			}
			if len(patches) == 0 {
				return nil, fmt.Errorf("patch contains no file sections")
			}

			results, err := applyPatches(root, patches)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"files": results}, nil
		},
	}
}

// parsePatch reads unified diff text into per-file hunks of diff operations.
func parsePatch(text string) ([]filePatch, error) {
	var patches []filePatch
	var current *filePatch
	var hunk *patchHunk

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			path = strings.TrimPrefix(strings.TrimPrefix(path, "b/"), "a/")
			if path == "" || path == "/dev/null" {
				current, hunk = nil, nil
				continue
			}
			patches = append(patches, filePatch{path: path})
			current = &patches[len(patches)-1]
			hunk = nil
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				continue
			}
			start, err := parseHunkStart(line)
			if err != nil {
				return nil, err
			}
			current.hunks = append(current.hunks, patchHunk{start: start})
			hunk = &current.hunks[len(current.hunks)-1]
		case hunk != nil && strings.HasPrefix(line, `\`):
			// "\ No newline at end of file" applies to the previous line.
			if n := len(hunk.ops); n > 0 {
				hunk.ops[n-1].Text = strings.TrimSuffix(hunk.ops[n-1].Text, "\n")
			}
		case hunk != nil && line != "":
			switch line[0] {
			case ' ':
				hunk.add(diffmatchpatch.DiffEqual, line[1:])
			case '-':
				hunk.add(diffmatchpatch.DiffDelete, line[1:])
			case '+':
				hunk.add(diffmatchpatch.DiffInsert, line[1:])
			}
		}
	}
	return patches, nil
}

func (h *patchHunk) add(op diffmatchpatch.Operation, line string) {
	if n := len(h.ops); n > 0 && h.ops[n-1].Type == op {
		h.ops[n-1].Text += line + "\n"
		return
	}
	h.ops = append(h.ops, diffmatchpatch.Diff{Type: op, Text: line + "\n"})
}

// texts returns what the hunk expects to find and what it leaves behind.
func (h *patchHunk) texts() (before, after string) {
	var b, a strings.Builder
	for _, op := range h.ops {
		if op.Type != diffmatchpatch.DiffInsert {
			b.WriteString(op.Text)
		}
		if op.Type != diffmatchpatch.DiffDelete {
			a.WriteString(op.Text)
		}
	}
	return b.String(), a.String()
}

// parseHunkStart reads the original start line of "@@ -a,b +c,d @@".
func parseHunkStart(header string) (int, error) {
	fields := strings.Fields(header)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("invalid hunk header: %s", header)
	}
	startText, _, _ := strings.Cut(strings.TrimPrefix(fields[1], "-"), ",")
	start, err := strconv.Atoi(startText)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("invalid hunk header: %s", header)
	}
	return start, nil
}

// applyPatches validates every file before writing any of them.
func applyPatches(root string, patches []filePatch) ([]patchResult, error) {
	type pending struct {
		target  string
		content string
	}
	writes := make([]pending, 0, len(patches))
	results := make([]patchResult, 0, len(patches))

	for _, patch := range patches {
		target, err := resolvePath(root, patch.path)
		if err != nil {
			return nil, err
		}
		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		content, failed := applyHunks(string(orig), patch.hunks)
		if len(failed) > 0 {
			return nil, fmt.Errorf("%s: %s", patch.path, describeFailedHunks(failed))
		}
		writes = append(writes, pending{target: target, content: content})
		results = append(results, patchResult{Path: patch.path, Hunks: len(patch.hunks)})
	}

	for _, w := range writes {
		if err := os.MkdirAll(filepath.Dir(w.target), 0755); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(w.target, []byte(w.content)); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// applyHunks applies each hunk through diffmatchpatch and returns the
// 1-based numbers of the hunks that did not apply. A failed hunk leaves the
// text untouched.
func applyHunks(text string, hunks []patchHunk) (string, []int) {
	dmp := diffmatchpatch.New()
	dmp.MatchThreshold = hunkMatchThreshold
	dmp.MatchDistance = hunkMatchDistance
	dmp.PatchDeleteThreshold = hunkMatchThreshold

	var failed []int
	shift := 0
	for i, h := range hunks {
		before, after := h.texts()
		if before == after {
			continue
		}

		line := h.start - 1 + shift
		if before == "" {
			// Pure insertions name the line they follow.
			line = h.start + shift
		}
		offset := locateHunk(text, before, lineOffset(text, line))
		end := offset + len(before)
		if end > len(text) {
			end = len(text)
		}

		diffs := make([]diffmatchpatch.Diff, 0, len(h.ops)+2)
		diffs = appendDiff(diffs, diffmatchpatch.DiffEqual, text[:offset])
		for _, op := range h.ops {
			diffs = appendDiff(diffs, op.Type, op.Text)
		}
		diffs = appendDiff(diffs, diffmatchpatch.DiffEqual, text[end:])
		expected := text[:offset] + before + text[end:]

		patched, applied := dmp.PatchApply(dmp.PatchMake(expected, diffs), text)
		if !allApplied(applied) {
			failed = append(failed, i+1)
			continue
		}
		text = patched
		shift += strings.Count(after, "\n") - strings.Count(before, "\n")
	}
	return text, failed
}

// locateHunk returns the line-start occurrence of before nearest to offset.
// When before does not occur verbatim the stated offset is kept and the
// fuzzy match decides.
func locateHunk(text, before string, offset int) int {
	if before == "" || strings.HasPrefix(text[offset:], before) {
		return offset
	}
	best := -1
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], before)
		if i < 0 {
			break
		}
		at := from + i
		if (at == 0 || text[at-1] == '\n') && (best < 0 || distance(at, offset) < distance(best, offset)) {
			best = at
		}
		from = at + 1
	}
	if best < 0 {
		return offset
	}
	return best
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func appendDiff(diffs []diffmatchpatch.Diff, op diffmatchpatch.Operation, text string) []diffmatchpatch.Diff {
	if text == "" {
		return diffs
	}
	if n := len(diffs); n > 0 && diffs[n-1].Type == op {
		diffs[n-1].Text += text
		return diffs
	}
	return append(diffs, diffmatchpatch.Diff{Type: op, Text: text})
}

// lineOffset returns the byte offset where the 0-based line starts, clamped
// to the end of text.
func lineOffset(text string, line int) int {
	if line <= 0 {
		return 0
	}
	offset := 0
	for n := 0; n < line; n++ {
		i := strings.IndexByte(text[offset:], '\n')
		if i < 0 {
			return len(text)
		}
		offset += i + 1
	}
	return offset
}

func allApplied(applied []bool) bool {
	for _, ok := range applied {
		if !ok {
			return false
		}
	}
	return true
}

func describeFailedHunks(failed []int) string {
	if len(failed) == 1 {
		return fmt.Sprintf("hunk %d does not apply", failed[0])
	}
	nums := make([]string, len(failed))
	for i, n := range failed {
		nums[i] = strconv.Itoa(n)
	}
	return "hunks " + strings.Join(nums, ", ") + " do not apply"
}
