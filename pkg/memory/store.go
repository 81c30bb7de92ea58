package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Built-in categories. Any other lowercase identifier is accepted too.
const (
	CategoryCore         = "core"
	CategoryDaily        = "daily"
	CategoryConversation = "conversation"
	CategoryGeneral      = "general"
)

const (
	DefaultSearchLimit = 20
	maxKeyLength       = 256
)

var (
	// ErrNotFound is returned for unknown keys.
	ErrNotFound = errors.New("memory not found")

	categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
)

// Entry is one remembered fact.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchOptions configures search behavior
type SearchOptions struct {
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// SearchResult is an entry with its match score.
type SearchResult struct {
	Entry
	Score float64 `json:"score"`
}

// Config holds memory store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store is the sqlite-backed memory.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the memory database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create memory directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if cfg.DBPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if n, err := s.Count(context.Background()); err == nil {
		observability.SetMemoryEntries(n)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Memory store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ValidateCategory checks a category tag.
func ValidateCategory(category string) error {
	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("invalid category %q", category)
	}
	return nil
}

// Set inserts or replaces an entry. An empty category means CategoryGeneral.
func (s *Store) Set(ctx context.Context, entry Entry) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerMemory, "memory.set", attribute.String("key", entry.Key))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordMemoryWrite(time.Since(start)) }()

	entry.Key = strings.TrimSpace(entry.Key)
	if entry.Key == "" {
		return errors.New("memory key cannot be empty")
	}
	if len(entry.Key) > maxKeyLength {
		return fmt.Errorf("memory key exceeds %d bytes", maxKeyLength)
	}
	if entry.Value == "" {
		return errors.New("memory value cannot be empty")
	}
	if entry.Category == "" {
		entry.Category = CategoryGeneral
	}
	if err := ValidateCategory(entry.Category); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (key, value, category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			updated_at = excluded.updated_at
	`, entry.Key, entry.Value, entry.Category, now, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to store memory: %w", err)
	}

	s.refreshCount(ctx)
	lg := tracing.LoggerFromContext(ctx, s.logger)
	lg.Debug().
		Str("key", entry.Key).
		Str("category", entry.Category).
		Msg("Memory stored")

	return nil
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, created_at, updated_at FROM memories WHERE key = ?`, key)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	return entry, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.refreshCount(ctx)
	return nil
}

// List returns entries, newest first, optionally filtered by category.
func (s *Store) List(ctx context.Context, category string, limit int) ([]Entry, error) {
	query := `SELECT key, value, category, created_at, updated_at FROM memories`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC, key ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Search finds entries whose key or value contains any query term.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerMemory, "memory.search", attribute.String("query", query))
	defer span.End()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, errors.New("query is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}

	clauses := make([]string, 0, len(terms))
	args := make([]interface{}, 0, len(terms)*2+1)
	for _, term := range terms {
		pattern := "%" + escapeLike(term) + "%"
		clauses = append(clauses, `(lower(key) LIKE ? ESCAPE '\' OR lower(value) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	sqlQuery := `SELECT key, value, category, created_at, updated_at FROM memories WHERE (` +
		strings.Join(clauses, " OR ") + `)`
	if opts.Category != "" {
		sqlQuery += ` AND category = ?`
		args = append(args, opts.Category)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Entry: *entry, Score: score(*entry, terms)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].UpdatedAt.After(results[j].UpdatedAt)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	return results, nil
}

// score is the fraction of query terms found, with key hits counting double.
func score(entry Entry, terms []string) float64 {
	key := strings.ToLower(entry.Key)
	value := strings.ToLower(entry.Value)
	total := 0.0
	for _, term := range terms {
		if strings.Contains(key, term) {
			total += 2
		} else if strings.Contains(value, term) {
			total++
		}
	}
	return total / float64(2*len(terms))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Categories returns the distinct categories in use with their entry counts.
func (s *Store) Categories(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM memories GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[category] = n
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) refreshCount(ctx context.Context) {
	if n, err := s.Count(ctx); err == nil {
		observability.SetMemoryEntries(n)
	}
}

// Snapshot renders core memories as a markdown section for the system prompt.
func (s *Store) Snapshot(ctx context.Context, limit int) (string, error) {
	entries, err := s.List(ctx, CategoryCore, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Memory\n\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s: %s\n", e.Key, e.Value)
	}
	return sb.String(), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var created, updated int64
	if err := row.Scan(&e.Key, &e.Value, &e.Category, &created, &updated); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return &e, nil
}
