package workspace

import "time"

// FileKind represents the category of a workspace file
type FileKind string

const (
	KindSoul   FileKind = "soul"   // SOUL.md
	KindAgents FileKind = "agents" // AGENTS.md
	KindUser   FileKind = "user"   // USER.md
	KindTools  FileKind = "tools"  // TOOLS.md
	KindSkill  FileKind = "skill"  // skills/<name>/SKILL.md
	KindRule   FileKind = "rule"   // rules/*.md
	KindOther  FileKind = "other"
)

// promptOrder is the order in which root prompt files appear in the system prompt.
var promptOrder = []struct {
	kind  FileKind
	title string
}{
	{KindSoul, "Soul"},
	{KindAgents, "Agent Instructions"},
	{KindUser, "User"},
	{KindTools, "Tool Notes"},
}

// File is a loaded workspace file
type File struct {
	Path    string   // Absolute path
	RelPath string   // Path relative to the workspace root
	Kind    FileKind // File category
	Content string   // Body without front matter
	Hash    string   // SHA-256 of the raw content
	Size    int64
	ModTime time.Time
	Skill   *Skill // Set for KindSkill
}

// Skill describes a discovered skill
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string `yaml:"-"`
}
