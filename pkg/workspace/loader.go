package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// MaxFileSize is the maximum size of a prompt file (256KB)
	MaxFileSize = 256 * 1024
)

const frontMatterDelim = "---"

// Loader reads and classifies files under a workspace root
type Loader struct {
	root string
}

// NewLoader creates a new loader for the given workspace root
func NewLoader(root string) *Loader {
	return &Loader{root: root}
}

// LoadFile loads a single file from the workspace
func (l *Loader) LoadFile(path string) (*File, error) {
	rel, err := l.relative(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", info.Size(), MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	raw := string(data)
	sum := sha256.Sum256(data)

	file := &File{
		Path:    path,
		RelPath: rel,
		Kind:    DetectKind(rel),
		Content: strings.TrimSpace(raw),
		Hash:    hex.EncodeToString(sum[:]),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if file.Kind == KindSkill {
		skill, body, err := parseSkill(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse skill %s: %w", rel, err)
		}
		if skill.Name == "" {
			skill.Name = filepath.Base(filepath.Dir(path))
		}
		skill.Path = rel
		file.Skill = &skill
		file.Content = strings.TrimSpace(body)
	}

	return file, nil
}

// DetectKind classifies a path relative to the workspace root
func DetectKind(rel string) FileKind {
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")

	if len(parts) == 1 {
		switch parts[0] {
		case "SOUL.md":
			return KindSoul
		case "AGENTS.md":
			return KindAgents
		case "USER.md":
			return KindUser
		case "TOOLS.md":
			return KindTools
		}
		return KindOther
	}

	if len(parts) == 3 && parts[0] == "skills" && parts[2] == "SKILL.md" {
		return KindSkill
	}
	if len(parts) == 2 && parts[0] == "rules" && strings.HasSuffix(parts[1], ".md") {
		return KindRule
	}
	return KindOther
}

// relative ensures path lives under the root and returns it relative to it
func (l *Loader) relative(path string) (string, error) {
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside workspace", path)
	}
	return rel, nil
}

// parseSkill splits YAML front matter from the Markdown body
func parseSkill(raw string) (Skill, string, error) {
	var skill Skill

	text := strings.TrimPrefix(raw, "\ufeff")
	if !strings.HasPrefix(text, frontMatterDelim) {
		return skill, raw, nil
	}

	rest := strings.TrimPrefix(text, frontMatterDelim)
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return skill, raw, nil
	}

	header := rest[:end]
	body := rest[end+len(frontMatterDelim)+1:]

	if err := yaml.Unmarshal([]byte(header), &skill); err != nil {
		return skill, "", fmt.Errorf("invalid front matter: %w", err)
	}
	skill.Name = strings.TrimSpace(skill.Name)
	skill.Description = strings.TrimSpace(skill.Description)
	return skill, body, nil
}
