package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kestrel/internal/tracing"
)

// Config holds assembler configuration
type Config struct {
	Path     string        // Workspace root; created when missing
	Watch    bool          // Reload files when they change on disk
	Debounce time.Duration // Watcher debounce, default 100ms
	Logger   zerolog.Logger
}

// Assembler builds system prompts from workspace files
type Assembler struct {
	root    string
	loader  *Loader
	cache   *Cache
	watcher *Watcher
	logger  zerolog.Logger

	reloadMu sync.Mutex
	version  atomic.Uint64
	closed   atomic.Bool
}

// New creates an assembler and loads the workspace once
func New(cfg Config) (*Assembler, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("workspace path is required")
	}

	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	a := &Assembler{
		root:   root,
		loader: NewLoader(root),
		cache:  NewCache(),
		logger: cfg.Logger,
	}

	if err := a.Reload(); err != nil {
		return nil, err
	}

	if cfg.Watch {
		w, err := NewWatcher(WatcherConfig{
			Root:     root,
			Debounce: cfg.Debounce,
			OnEvent:  a.handleEvent,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		if err := w.Start(); err != nil {
			_ = w.Stop()
			return nil, err
		}
		a.watcher = w
	}

	return a, nil
}

// Path returns the absolute workspace root
func (a *Assembler) Path() string {
	return a.root
}

// Version increases every time a cached file changes
func (a *Assembler) Version() uint64 {
	return a.version.Load()
}

// Reload discards the cache and reads the whole workspace again
func (a *Assembler) Reload() error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	a.cache.Clear()
	count, err := a.loadTree(a.root)
	if err != nil {
		return fmt.Errorf("failed to walk workspace: %w", err)
	}
	a.version.Add(1)

	a.logger.Info().
		Str("path", a.root).
		Int("file_count", count).
		Msg("Workspace loaded")
	return nil
}

func (a *Assembler) loadTree(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			a.logger.Warn().Err(err).Str("path", path).Msg("Error walking path")
			return nil
		}
		if d.IsDir() {
			if path != a.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if a.loadFile(path) {
			count++
		}
		return nil
	})
	return count, err
}

// loadFile caches path when it is a prompt file, reporting whether it was kept
func (a *Assembler) loadFile(path string) bool {
	rel, err := filepath.Rel(a.root, path)
	if err != nil || DetectKind(rel) == KindOther {
		return false
	}

	file, err := a.loader.LoadFile(path)
	if err != nil {
		a.logger.Error().Err(err).Str("path", rel).Msg("Failed to load workspace file")
		return false
	}
	if a.cache.Set(file) {
		a.version.Add(1)
	}
	return true
}

func (a *Assembler) handleEvent(path string, event FileEventType) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	switch event {
	case FileEventDelete:
		if a.cache.Delete(path) > 0 {
			a.version.Add(1)
			a.logger.Info().Str("path", path).Msg("Workspace file removed")
		}
	default:
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			_, _ = a.loadTree(path)
			return
		}
		if a.loadFile(path) {
			a.logger.Info().Str("path", path).Str("event", string(event)).Msg("Workspace file reloaded")
		}
	}
}

// File returns the root prompt file of the given kind
func (a *Assembler) File(kind FileKind) (*File, bool) {
	files := a.cache.ByKind(kind)
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}

// Skills returns discovered skills sorted by path
func (a *Assembler) Skills() []Skill {
	files := a.cache.ByKind(KindSkill)
	skills := make([]Skill, 0, len(files))
	for _, f := range files {
		if f.Skill != nil {
			skills = append(skills, *f.Skill)
		}
	}
	return skills
}

// Rules returns rule files sorted by path
func (a *Assembler) Rules() []*File {
	return a.cache.ByKind(KindRule)
}

// SystemPrompt joins the base prompt, workspace files, skills, rules and the
// memory snapshot into one system prompt. Empty sections are omitted.
func (a *Assembler) SystemPrompt(ctx context.Context, base, memorySnapshot string) string {
	var sections []string

	if s := strings.TrimSpace(base); s != "" {
		sections = append(sections, s)
	}

	for _, p := range promptOrder {
		file, ok := a.File(p.kind)
		if !ok || file.Content == "" {
			continue
		}
		sections = append(sections, "## "+p.title+"\n\n"+file.Content)
	}

	if skills := a.Skills(); len(skills) > 0 {
		var b strings.Builder
		b.WriteString("## Skills\n\nRead a skill file with read_file before using it.\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "\n- %s (%s)", s.Name, s.Path)
			if s.Description != "" {
				b.WriteString(": " + s.Description)
			}
		}
		sections = append(sections, b.String())
	}

	if rules := a.Rules(); len(rules) > 0 {
		var b strings.Builder
		b.WriteString("## Rules")
		for _, r := range rules {
			if r.Content == "" {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(r.RelPath), ".md")
			fmt.Fprintf(&b, "\n\n### %s\n\n%s", name, r.Content)
		}
		sections = append(sections, b.String())
	}

	if s := strings.TrimSpace(memorySnapshot); s != "" {
		sections = append(sections, s)
	}

	prompt := strings.Join(sections, "\n\n")

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().
		Int("sections", len(sections)).
		Int("prompt_chars", len(prompt)).
		Uint64("workspace_version", a.Version()).
		Msg("System prompt assembled")

	return prompt
}

// Close stops the watcher
func (a *Assembler) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if a.watcher != nil {
		return a.watcher.Stop()
	}
	return nil
}
