package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/stream"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultCacheSize = 128
	fileSuffix       = ".json"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")
)

// Config configures a Store.
type Config struct {
	Dir       string
	CacheSize int
	Logger    zerolog.Logger
}

// Store keeps one JSON file per session plus an in-memory (channel, chat) index.
type Store struct {
	dir    string
	cache  *lru.Cache[string, *Session]
	logger zerolog.Logger

	indexMu sync.RWMutex
	index   map[string]string

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
	createMu   sync.Mutex
}

// New opens (or creates) the session directory and indexes existing sessions.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Dir = filepath.Join(home, ".kestrel", "sessions")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	cache, err := lru.New[string, *Session](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	s := &Store{
		dir:        cfg.Dir,
		cache:      cache,
		logger:     cfg.Logger,
		index:      make(map[string]string),
		writeLocks: make(map[string]*sync.Mutex),
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}

	s.logger.Info().Str("dir", cfg.Dir).Int("sessions", len(s.index)).Msg("Session store initialized")
	observability.SetActiveSessions(len(s.index))

	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read sessions directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), fileSuffix)
		sess, err := s.readFile(id)
		if err != nil {
			s.logger.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable session file")
			continue
		}
		s.index[sess.Key()] = sess.ID
	}
	return nil
}

// validateID keeps IDs path-safe.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+fileSuffix)
}

func (s *Store) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// GetOrCreate returns the session for (channel, chatID), creating and
// persisting an empty one on first use.
func (s *Store) GetOrCreate(ctx context.Context, channel, chatID string) (*Session, error) {
	if channel == "" || chatID == "" {
		return nil, fmt.Errorf("channel and chat id are required")
	}

	key := Key(channel, chatID)

	s.indexMu.RLock()
	id, ok := s.index[key]
	s.indexMu.RUnlock()
	if ok {
		return s.Get(ctx, id)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.indexMu.RLock()
	id, ok = s.index[key]
	s.indexMu.RUnlock()
	if ok {
		return s.Get(ctx, id)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Channel:   channel,
		ChatID:    chatID,
		Messages:  []stream.Message{},
		Metadata:  map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Str("channel", channel).
		Str("chat_id", chatID).
		Msg("Session created")

	return sess.Clone(), nil
}

// Get loads a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(id); ok {
		return cached.Clone(), nil
	}

	_, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.load", attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.readFile(id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	s.cache.Add(id, sess)
	return sess.Clone(), nil
}

func (s *Store) readFile(id string) (*Session, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", id, err)
	}
	if sess.ID != id {
		return nil, fmt.Errorf("session file %s holds id %q", id, sess.ID)
	}
	if sess.Messages == nil {
		sess.Messages = []stream.Message{}
	}
	return &sess, nil
}

// Save persists the session atomically and refreshes UpdatedAt.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := validateID(sess.ID); err != nil {
		return err
	}

	ctx = tracing.WithSessionID(ctx, sess.ID)
	_, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.save",
		attribute.String("session_id", sess.ID),
		attribute.Int("messages", len(sess.Messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	lock := s.writeLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	stored := sess.Clone()
	stored.UpdatedAt = time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := s.path(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	sess.UpdatedAt = stored.UpdatedAt
	sess.CreatedAt = stored.CreatedAt
	s.cache.Add(sess.ID, stored)

	s.indexMu.Lock()
	s.index[stored.Key()] = stored.ID
	count := len(s.index)
	s.indexMu.Unlock()
	observability.SetActiveSessions(count)

	lg := tracing.LoggerFromContext(ctx, s.logger)
	lg.Debug().
		Int("messages", len(stored.Messages)).
		Msg("Session saved")

	return nil
}

// Delete removes a session and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	s.cache.Remove(id)

	s.indexMu.Lock()
	delete(s.index, sess.Key())
	count := len(s.index)
	s.indexMu.Unlock()
	observability.SetActiveSessions(count)

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	s.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// ListSessions returns summaries ordered by most recent update.
func (s *Store) ListSessions(ctx context.Context) ([]Summary, error) {
	s.indexMu.RLock()
	ids := make([]string, 0, len(s.index))
	for _, id := range s.index {
		ids = append(ids, id)
	}
	s.indexMu.RUnlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess.Summary())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Count returns the number of indexed sessions.
func (s *Store) Count() int {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return len(s.index)
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}
