package subagent

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

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/agent"
	"github.com/harun/kestrel/pkg/events"
	"github.com/harun/kestrel/pkg/session"
)

const (
	// DefaultMaxConcurrent is the number of tasks allowed to run at once.
	DefaultMaxConcurrent = 3

	// DefaultTimeout bounds one sub-agent run.
	DefaultTimeout = 10 * time.Minute

	// Channel is the session channel of sub-agent sessions.
	Channel = "subagent"

	defaultRetention = 7 * 24 * time.Hour
)

// ErrCeilingReached is returned by Spawn when the running limit is hit.
// Callers retry later; spawns are never queued.
var ErrCeilingReached = errors.New("sub-agent concurrency ceiling reached")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("sub-agent task not found")

// Runner runs the agent loop against a session.
type Runner interface {
	RunInSession(ctx context.Context, sess *session.Session, prompt string, sink agent.ChunkSink) (*agent.TurnResult, error)
}

// Sessions creates the dedicated session of a task.
type Sessions interface {
	GetOrCreate(ctx context.Context, channel, chatID string) (*session.Session, error)
}

// Config holds supervisor configuration
type Config struct {
	Runner        Runner
	Sessions      Sessions
	Bus           *events.Bus
	MaxConcurrent int
	Timeout       time.Duration
	// RegistryPath persists tasks as JSON; empty keeps them in memory.
	RegistryPath string
	Logger       zerolog.Logger
}

// Supervisor runs delegated tasks in the background under a fixed
// concurrency ceiling.
type Supervisor struct {
	runner       Runner
	sessions     Sessions
	bus          *events.Bus
	sem          *semaphore.Weighted
	max          int
	timeout      time.Duration
	registryPath string
	logger       zerolog.Logger

	mu      sync.RWMutex
	tasks   map[string]*Task
	running int
	saveMu  sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor and loads the task registry
func New(cfg Config) (*Supervisor, error) {
	observability.EnsureRegistered()

	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		runner:       cfg.Runner,
		sessions:     cfg.Sessions,
		bus:          cfg.Bus,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		max:          cfg.MaxConcurrent,
		timeout:      cfg.Timeout,
		registryPath: cfg.RegistryPath,
		logger:       cfg.Logger.With().Str("component", "subagent").Logger(),
		tasks:        make(map[string]*Task),
		ctx:          ctx,
		cancel:       cancel,
	}

	if err := s.load(); err != nil {
		cancel()
		return nil, err
	}
	observability.SetSubagentsRunning(0)
	return s, nil
}

// Spawn starts a task and returns immediately with the task in the running
// state. It returns ErrCeilingReached without side effects when the
// ceiling is reached.
func (s *Supervisor) Spawn(ctx context.Context, description, parentSessionID string) (*Task, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("task description cannot be empty")
	}

	if !s.sem.TryAcquire(1) {
		observability.RecordSubagent("rejected")
		s.logger.Warn().
			Str("parent_session_id", parentSessionID).
			Int("max_concurrent", s.max).
			Msg("Sub-agent spawn rejected")
		return nil, ErrCeilingReached
	}

	id, err := gonanoid.New()
	if err != nil {
		s.sem.Release(1)
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}

	now := time.Now().UTC()
	task := &Task{
		ID:              id,
		ParentSessionID: parentSessionID,
		Description:     description,
		Status:          StatusRunning,
		CreatedAt:       now,
		StartedAt:       &now,
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.running++
	running := s.running
	snapshot := task.clone()
	s.mu.Unlock()

	observability.SetSubagentsRunning(running)
	s.save()
	s.publish(events.SubagentSpawned, snapshot)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("task_id", id).
		Str("parent_session_id", parentSessionID).
		Int("running", running).
		Msg("Sub-agent spawned")

	// The task outlives the caller's context; only tracing fields carry over.
	runCtx := tracing.Detach(ctx)

	s.wg.Add(1)
	go s.execute(runCtx, id)

	return snapshot, nil
}

func (s *Supervisor) execute(parent context.Context, id string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	ctx = tracing.WithTraceID(ctx, tracing.GetTraceID(parent))
	ctx = tracing.WithTaskID(ctx, id)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerSubagent, "subagent.run", attribute.String("task_id", id))
	defer span.End()

	var result string
	runErr := fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	if task, ok := s.Get(id); ok {
		result, runErr = s.run(ctx, task)
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	s.finish(id, result, runErr)
}

func (s *Supervisor) run(ctx context.Context, task *Task) (string, error) {
	sess, err := s.sessions.GetOrCreate(ctx, Channel, task.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	s.mu.Lock()
	if t, ok := s.tasks[task.ID]; ok {
		t.SessionID = sess.ID
	}
	s.mu.Unlock()

	ctx = tracing.PropagateToSubagent(ctx, task.ID, sess.ID)
	res, err := s.runner.RunInSession(ctx, sess, Directive(task.Description), nil)
	if err != nil {
		return "", err
	}
	if err := res.AsError(); err != nil {
		return res.Response, err
	}
	return res.Response, nil
}

// finish records the outcome and frees the slot before the completion
// event is published.
func (s *Supervisor) finish(id, result string, runErr error) {
	now := time.Now().UTC()

	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.running--
		s.mu.Unlock()
		s.sem.Release(1)
		return
	}
	task.CompletedAt = &now
	task.Result = result
	if runErr != nil {
		task.Status = StatusFailed
		task.Error = runErr.Error()
	} else {
		task.Status = StatusCompleted
	}
	s.running--
	running := s.running
	snapshot := task.clone()
	s.mu.Unlock()
	s.sem.Release(1)

	observability.SetSubagentsRunning(running)
	observability.RecordSubagent(string(snapshot.Status))
	s.save()
	s.publish(events.SubagentCompleted, snapshot)

	ev := s.logger.Info()
	if runErr != nil {
		ev = s.logger.Warn().Err(runErr)
	}
	ev.Str("task_id", id).
		Str("status", string(snapshot.Status)).
		Dur("duration", now.Sub(snapshot.CreatedAt)).
		Msg("Sub-agent finished")
}

func (s *Supervisor) publish(t events.Type, task *Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(t, events.SubagentEvent{
		TaskID:          task.ID,
		ParentSessionID: task.ParentSessionID,
		Description:     task.Description,
		Status:          string(task.Status),
		Result:          task.Result,
		Error:           task.Error,
	})
}

// Directive wraps a task description into the prompt given to the sub-agent.
func Directive(description string) string {
	return "You are a sub-agent working on one delegated task. Complete it using the tools " +
		"available, then reply with a concise report of what you found or did. " +
		"Do not ask follow-up questions.\n\nTask:\n" + description
}

// Get returns a copy of a task
func (s *Supervisor) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.clone(), true
}

// List returns tasks of a parent session, or all tasks when parent is
// empty, oldest first.
func (s *Supervisor) List(parentSessionID string) []*Task {
	s.mu.RLock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if parentSessionID == "" || task.ParentSessionID == parentSessionID {
			out = append(out, task.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Running returns the number of running tasks
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats returns supervisor statistics
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.tasks), MaxConcurrent: s.max}
	for _, task := range s.tasks {
		switch task.Status {
		case StatusPending, StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Cleanup removes terminal tasks completed before now minus retention
func (s *Supervisor) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = defaultRetention
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	removed := 0
	for id, task := range s.tasks {
		if !task.Status.IsTerminal() || task.CompletedAt == nil {
			continue
		}
		if task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.save()
	}
	s.logger.Info().Int("removed", removed).Msg("Sub-agent cleanup completed")
	return removed
}

// Wait blocks until every running task has finished or ctx ends
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels running tasks, waits for them and saves the registry
func (s *Supervisor) Close() error {
	s.cancel()
	s.wg.Wait()
	s.save()
	return nil
}

// load reads the registry. Tasks left running by a previous process are
// marked failed.
func (s *Supervisor) load() error {
	if s.registryPath == "" {
		return nil
	}

	data, err := os.ReadFile(s.registryPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sub-agent registry: %w", err)
	}

	var reg registry
	if err := json.Unmarshal(data, &reg); err != nil {
		s.logger.Error().Err(err).Str("path", s.registryPath).Msg("Failed to parse sub-agent registry, starting empty")
		return nil
	}

	now := time.Now().UTC()
	interrupted := 0
	for _, task := range reg.Tasks {
		if task == nil || task.ID == "" {
			continue
		}
		if !task.Status.IsTerminal() {
			task.Status = StatusFailed
			task.Error = "interrupted by restart"
			task.CompletedAt = &now
			interrupted++
		}
		s.tasks[task.ID] = task
	}

	s.logger.Info().
		Int("tasks", len(s.tasks)).
		Int("interrupted", interrupted).
		Msg("Sub-agent registry loaded")
	return nil
}

// save writes the registry atomically. Failures are logged only.
func (s *Supervisor) save() {
	if s.registryPath == "" {
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.clone())
	}
	s.mu.RUnlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	data, err := json.MarshalIndent(registry{
		Version:     1,
		Tasks:       tasks,
		LastUpdated: time.Now().UnixMilli(),
	}, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal sub-agent registry")
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.registryPath), 0o700); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create registry directory")
		return
	}
	tmp := s.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write sub-agent registry")
		return
	}
	if err := os.Rename(tmp, s.registryPath); err != nil {
		_ = os.Remove(tmp)
		s.logger.Error().Err(err).Msg("Failed to replace sub-agent registry")
	}
}
