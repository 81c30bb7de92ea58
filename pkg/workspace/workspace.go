// Package workspace assembles the system prompt for an agent turn from
// Markdown files kept in a workspace directory.
//
// The assembler loads SOUL.md, AGENTS.md, USER.md and TOOLS.md from the
// workspace root, discovers skills under skills/<name>/SKILL.md (YAML front
// matter carries the name and description) and rules under rules/*.md. Files
// are cached in memory and reloaded when the directory changes on disk.
//
// Example usage:
//
//	asm, err := workspace.New(workspace.Config{
//		Path:   "~/.kestrel/workspace",
//		Watch:  true,
//		Logger: logger,
//	})
//	if err != nil {
//		return err
//	}
//	defer asm.Close()
//
//	prompt := asm.SystemPrompt(ctx, basePrompt, memorySnapshot)
package workspace
