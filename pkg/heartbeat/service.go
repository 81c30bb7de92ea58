package heartbeat

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

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/kestrel/pkg/agent"
)

// DefaultTimeout bounds one heartbeat turn.
const DefaultTimeout = 5 * time.Minute

// ErrJobNotFound is returned for unknown job names.
var ErrJobNotFound = errors.New("heartbeat job not found")

// Triggerer delivers a prompt to the agent loop.
type Triggerer interface {
	Trigger(ctx context.Context, name, text string) (*agent.TurnResult, error)
}

// Config configures the heartbeat service
type Config struct {
	Jobs    []Job
	Trigger Triggerer
	Timeout time.Duration
	// StatePath persists job state as JSON; empty keeps it in memory.
	StatePath string
	Logger    zerolog.Logger
}

type jobEntry struct {
	job     Job
	state   JobState
	entryID cron.EntryID
}

// Service runs heartbeat jobs on their cron schedules.
type Service struct {
	trigger   Triggerer
	timeout   time.Duration
	statePath string
	logger    zerolog.Logger
	cron      *cron.Cron

	mu   sync.RWMutex
	jobs map[string]*jobEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the jobs and registers enabled ones. Nothing runs until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	cl := cronLogger{logger: cfg.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		trigger:   cfg.Trigger,
		timeout:   cfg.Timeout,
		statePath: cfg.StatePath,
		logger:    cfg.Logger.With().Str("component", "heartbeat").Logger(),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*jobEntry),
		ctx:    ctx,
		cancel: cancel,
	}

	saved := s.loadState()

	for _, job := range cfg.Jobs {
		job.Name = strings.TrimSpace(job.Name)
		if job.Name == "" {
			cancel()
			return nil, fmt.Errorf("heartbeat name is required")
		}
		if _, exists := s.jobs[job.Name]; exists {
			cancel()
			return nil, fmt.Errorf("duplicate heartbeat %q", job.Name)
		}
		if strings.TrimSpace(job.Prompt) == "" {
			cancel()
			return nil, fmt.Errorf("heartbeat %q: prompt is required", job.Name)
		}

		entry := &jobEntry{job: job, state: saved[job.Name]}
		entry.state.Running = false
		if job.Enabled {
			name := job.Name
			id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(name) })
			if err != nil {
				cancel()
				return nil, fmt.Errorf("heartbeat %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
			}
			entry.entryID = id
		} else if _, err := ParseSchedule(job.Schedule); err != nil {
			cancel()
			return nil, fmt.Errorf("heartbeat %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		s.jobs[job.Name] = entry
	}

	s.logger.Info().Int("job_count", len(s.jobs)).Msg("Heartbeat service initialized")
	return s, nil
}

// Start begins running scheduled jobs
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Heartbeat service started")
}

// Stop halts scheduling and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.saveState(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist heartbeat state on shutdown")
	}
	s.logger.Info().Msg("Heartbeat service stopped")
	return nil
}

// RunNow runs a job immediately regardless of its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.run(ctx, name)
}

// Jobs returns every job with its state, sorted by name
func (s *Service) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{Job: entry.job, State: entry.state}
		if entry.entryID != 0 {
			if next := s.cron.Entry(entry.entryID).Next; !next.IsZero() {
				status.State.NextRunAt = &next
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) execute(name string) {
	if err := s.run(s.ctx, name); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Str("job", name).Err(err).Msg("Scheduled heartbeat ended with error")
	}
}

func (s *Service) run(ctx context.Context, name string) error {
	s.mu.Lock()
	entry, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if entry.state.Running {
		s.mu.Unlock()
		s.logger.Debug().Str("job", name).Msg("Heartbeat already running, skipping")
		return nil
	}
	entry.state.Running = true
	prompt := entry.job.Prompt
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("Executing heartbeat")

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.trigger.Trigger(runCtx, name, prompt)
	cancel()
	if err == nil && res != nil {
		err = res.AsError()
	}
	duration := time.Since(start)

	s.mu.Lock()
	entry.state.Running = false
	entry.state.LastRunAt = &start
	entry.state.LastDurationMs = duration.Milliseconds()
	if err != nil {
		entry.state.LastStatus = statusError
		entry.state.LastError = err.Error()
		entry.state.ConsecutiveErrors++
		s.logger.Error().
			Str("job", name).
			Err(err).
			Int("consecutive_errors", entry.state.ConsecutiveErrors).
			Msg("Heartbeat execution failed")
	} else {
		entry.state.LastStatus = statusOK
		entry.state.LastError = ""
		entry.state.ConsecutiveErrors = 0
		s.logger.Info().
			Str("job", name).
			Int64("duration_ms", duration.Milliseconds()).
			Msg("Heartbeat execution completed")
	}
	s.mu.Unlock()

	if persistErr := s.saveState(); persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist heartbeat state")
	}
	return err
}

func (s *Service) loadState() map[string]JobState {
	states := map[string]JobState{}
	if s.statePath == "" {
		return states
	}

	data, err := os.ReadFile(s.statePath)
	if os.IsNotExist(err) {
		return states
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read heartbeat state, starting fresh")
		return states
	}
	if err := json.Unmarshal(data, &states); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse heartbeat state, starting fresh")
		return map[string]JobState{}
	}
	return states
}

func (s *Service) saveState() error {
	if s.statePath == "" {
		return nil
	}

	s.mu.RLock()
	states := make(map[string]JobState, len(s.jobs))
	for name, entry := range s.jobs {
		state := entry.state
		state.NextRunAt = nil
		states[name] = state
	}
	data, err := json.MarshalIndent(states, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
