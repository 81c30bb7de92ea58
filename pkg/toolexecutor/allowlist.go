package toolexecutor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AllowlistEntry marks a supervised tool (or glob of tools) as pre-approved.
type AllowlistEntry struct {
	Pattern string `json:"pattern"`
	Reason  string `json:"reason,omitempty"`
	AddedAt string `json:"added_at"`
}

// Allowlist is the persisted set of tools a human chose to "always" approve.
// An empty path keeps it in memory only.
type Allowlist struct {
	filePath string
	entries  []AllowlistEntry
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewAllowlist loads the allowlist at filePath. A missing file is an empty list.
func NewAllowlist(filePath string, logger zerolog.Logger) (*Allowlist, error) {
	al := &Allowlist{
		filePath: filePath,
		entries:  []AllowlistEntry{},
		logger:   logger,
	}

	if filePath == "" {
		return al, nil
	}

	if err := al.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load allowlist: %w", err)
		}
		logger.Debug().Str("path", filePath).Msg("Allowlist file does not exist, will create on first save")
	}

	return al, nil
}

// Load replaces the in-memory entries with the file contents.
func (al *Allowlist) Load() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	data, err := os.ReadFile(al.filePath)
	if err != nil {
		return err
	}

	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}

	al.entries = entries

	al.logger.Info().
		Str("path", al.filePath).
		Int("count", len(entries)).
		Msg("Allowlist loaded")

	return nil
}

func (al *Allowlist) saveLocked() error {
	if al.filePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(al.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(al.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}

	tmp := al.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}
	if err := os.Rename(tmp, al.filePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace allowlist: %w", err)
	}

	return nil
}

// Add allowlists a tool name or glob pattern and persists the list.
func (al *Allowlist) Add(pattern string) error {
	return al.AddEntry(AllowlistEntry{Pattern: pattern})
}

func (al *Allowlist) AddEntry(entry AllowlistEntry) error {
	if entry.Pattern == "" {
		return fmt.Errorf("allowlist pattern cannot be empty")
	}
	if _, err := filepath.Match(entry.Pattern, ""); err != nil {
		return fmt.Errorf("invalid allowlist pattern %q: %w", entry.Pattern, err)
	}
	if entry.AddedAt == "" {
		entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, existing := range al.entries {
		if existing.Pattern == entry.Pattern {
			return nil
		}
	}

	al.entries = append(al.entries, entry)
	al.logger.Info().Str("pattern", entry.Pattern).Msg("Added to allowlist")

	return al.saveLocked()
}

// Remove drops a pattern and persists the list.
func (al *Allowlist) Remove(pattern string) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	kept := make([]AllowlistEntry, 0, len(al.entries))
	found := false
	for _, entry := range al.entries {
		if entry.Pattern == pattern {
			found = true
			continue
		}
		kept = append(kept, entry)
	}
	if !found {
		return fmt.Errorf("entry not found in allowlist: %s", pattern)
	}

	al.entries = kept
	al.logger.Info().Str("pattern", pattern).Msg("Removed from allowlist")

	return al.saveLocked()
}

// Contains reports whether toolName matches any entry.
func (al *Allowlist) Contains(toolName string) bool {
	if al == nil {
		return false
	}
	al.mu.RLock()
	defer al.mu.RUnlock()

	for _, entry := range al.entries {
		if entry.Pattern == toolName {
			return true
		}
		if ok, _ := filepath.Match(entry.Pattern, toolName); ok {
			return true
		}
	}
	return false
}

// List returns a copy of the entries sorted by pattern.
func (al *Allowlist) List() []AllowlistEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()

	entries := make([]AllowlistEntry, len(al.entries))
	copy(entries, al.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Pattern < entries[j].Pattern })

	return entries
}

func (al *Allowlist) Count() int {
	al.mu.RLock()
	defer al.mu.RUnlock()

	return len(al.entries)
}
