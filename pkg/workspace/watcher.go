package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileEventType represents the type of file system event
type FileEventType string

const (
	FileEventAdd    FileEventType = "add"
	FileEventChange FileEventType = "change"
	FileEventDelete FileEventType = "delete"
)

// FileEventCallback is called with a debounced file event
type FileEventCallback func(path string, event FileEventType)

// Watcher monitors the workspace directory for file changes
type Watcher struct {
	watcher   *fsnotify.Watcher
	root      string
	debounce  time.Duration
	onEvent   FileEventCallback
	logger    zerolog.Logger
	done      chan struct{}
	timers    map[string]*time.Timer
	timersMu  sync.Mutex
	stopOnce  sync.Once
	startOnce sync.Once
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Root     string
	Debounce time.Duration
	OnEvent  FileEventCallback
	Logger   zerolog.Logger
}

// NewWatcher creates a new watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}

	return &Watcher{
		watcher:  fw,
		root:     cfg.Root,
		debounce: cfg.Debounce,
		onEvent:  cfg.OnEvent,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start starts watching the workspace directory
func (w *Watcher) Start() error {
	var err error
	w.startOnce.Do(func() {
		if err = w.addRecursive(w.root); err != nil {
			err = fmt.Errorf("failed to watch workspace: %w", err)
			return
		}
		go w.eventLoop()
		w.logger.Info().Str("path", w.root).Msg("Workspace watcher started")
	})
	return err
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timersMu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	clear(w.timers)
	w.timersMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.logger.Info().Msg("Workspace watcher stopped")
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			w.schedule(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces events per path; the last event in a burst wins
func (w *Watcher) schedule(event fsnotify.Event) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, exists := w.timers[event.Name]; exists {
		timer.Stop()
	}

	w.timers[event.Name] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, event.Name)
		w.timersMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.process(event)
		}
	})
}

func (w *Watcher) process(event fsnotify.Event) {
	var kind FileEventType
	switch {
	case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
		// Rename is reported for the old name; the new name arrives as a create.
		kind = FileEventDelete
	case event.Op&fsnotify.Create == fsnotify.Create:
		kind = FileEventAdd
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
			}
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		kind = FileEventChange
	default:
		return
	}

	if w.onEvent != nil {
		w.onEvent(event.Name, kind)
	}
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.WalkDir(path, func(walkPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if walkPath != w.root && w.shouldIgnore(walkPath) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to watch path")
		}
		return nil
	})
}

// shouldIgnore skips dotfiles, dot directories and editor swap files
func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.Clean(rel), string(filepath.Separator)) {
		if len(part) > 1 && part[0] == '.' && part != ".." {
			return true
		}
	}
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
