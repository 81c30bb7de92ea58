package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kestrel/pkg/agent"
)

type triggerCall struct {
	name string
	text string
}

type fakeTrigger struct {
	outcome string
	err     error

	mu    sync.Mutex
	calls []triggerCall
}

func (f *fakeTrigger) Trigger(ctx context.Context, name, text string) (*agent.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, triggerCall{name: name, text: text})
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	outcome := f.outcome
	if outcome == "" {
		outcome = agent.OutcomeCompleted
	}
	res := &agent.TurnResult{Response: "ok", Outcome: outcome}
	if outcome == agent.OutcomeError {
		res.Err = "no backend available"
	}
	return res, nil
}

func (f *fakeTrigger) Calls() []triggerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggerCall(nil), f.calls...)
}

func setupTestService(t *testing.T, trigger *fakeTrigger, jobs ...Job) *Service {
	t.Helper()
	svc, err := New(Config{
		Jobs:      jobs,
		Trigger:   trigger,
		StatePath: filepath.Join(t.TempDir(), "heartbeats.json"),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

func TestNew(t *testing.T) {
	trigger := &fakeTrigger{}

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing trigger", cfg: Config{Jobs: []Job{{Name: "a", Schedule: "@daily", Prompt: "p", Enabled: true}}}},
		{name: "missing name", cfg: Config{Trigger: trigger, Jobs: []Job{{Schedule: "@daily", Prompt: "p"}}}},
		{name: "missing prompt", cfg: Config{Trigger: trigger, Jobs: []Job{{Name: "a", Schedule: "@daily", Enabled: true}}}},
		{name: "bad schedule", cfg: Config{Trigger: trigger, Jobs: []Job{{Name: "a", Schedule: "every day", Prompt: "p", Enabled: true}}}},
		{name: "bad schedule on disabled job", cfg: Config{Trigger: trigger, Jobs: []Job{{Name: "a", Schedule: "61 * * * *", Prompt: "p"}}}},
		{name: "duplicate", cfg: Config{Trigger: trigger, Jobs: []Job{
			{Name: "a", Schedule: "@daily", Prompt: "p"},
			{Name: "a", Schedule: "@hourly", Prompt: "q"},
		}}},
	}

	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			tt.cfg.Logger = zerolog.Nop()
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestService_RunNow(t *testing.T) {
	t.Run("should trigger the agent with the job prompt", func(t *testing.T) {
		trigger := &fakeTrigger{}
		svc := setupTestService(t, trigger, Job{Name: "morning", Schedule: "0 8 * * *", Prompt: "Summarize my day", Enabled: true})

		require.NoError(t, svc.RunNow(context.Background(), "morning"))

		calls := trigger.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, triggerCall{name: "morning", text: "Summarize my day"}, calls[0])

		jobs := svc.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, statusOK, jobs[0].State.LastStatus)
		assert.NotNil(t, jobs[0].State.LastRunAt)
		assert.False(t, jobs[0].State.Running)
	})

	t.Run("should record failed turns", func(t *testing.T) {
		trigger := &fakeTrigger{outcome: agent.OutcomeError}
		svc := setupTestService(t, trigger, Job{Name: "digest", Schedule: "@hourly", Prompt: "digest"})

		err := svc.RunNow(context.Background(), "digest")
		require.Error(t, err)

		state := svc.Jobs()[0].State
		assert.Equal(t, statusError, state.LastStatus)
		assert.Contains(t, state.LastError, "no backend available")
		assert.Equal(t, 1, state.ConsecutiveErrors)

		trigger.outcome = agent.OutcomeCompleted
		require.NoError(t, svc.RunNow(context.Background(), "digest"))
		assert.Equal(t, 0, svc.Jobs()[0].State.ConsecutiveErrors)
	})

	t.Run("should return not found for unknown jobs", func(t *testing.T) {
		svc := setupTestService(t, &fakeTrigger{})
		assert.ErrorIs(t, svc.RunNow(context.Background(), "nope"), ErrJobNotFound)
	})
}

func TestService_Schedule(t *testing.T) {
	t.Run("should fire enabled jobs on schedule", func(t *testing.T) {
		trigger := &fakeTrigger{}
		svc := setupTestService(t, trigger,
			Job{Name: "tick", Schedule: "@every 1s", Prompt: "tick", Enabled: true},
			Job{Name: "off", Schedule: "@every 1s", Prompt: "off"},
		)
		svc.Start()

		assert.Eventually(t, func() bool { return len(trigger.Calls()) > 0 }, 3*time.Second, 50*time.Millisecond)
		for _, call := range trigger.Calls() {
			assert.Equal(t, "tick", call.name)
		}
	})

	t.Run("should report the next run of enabled jobs", func(t *testing.T) {
		svc := setupTestService(t, &fakeTrigger{},
			Job{Name: "a", Schedule: "@hourly", Prompt: "p", Enabled: true},
			Job{Name: "b", Schedule: "@hourly", Prompt: "p"},
		)
		svc.Start()

		jobs := svc.Jobs()
		require.Len(t, jobs, 2)
		assert.Equal(t, "a", jobs[0].Name)
		require.NotNil(t, jobs[0].State.NextRunAt)
		assert.True(t, jobs[0].State.NextRunAt.After(time.Now()))
		assert.Nil(t, jobs[1].State.NextRunAt)
	})
}

func TestService_State(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "heartbeats.json")
	job := Job{Name: "digest", Schedule: "@daily", Prompt: "digest", Enabled: true}

	svc, err := New(Config{Jobs: []Job{job}, Trigger: &fakeTrigger{err: errors.New("down")}, StatePath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Error(t, svc.RunNow(context.Background(), "digest"))
	require.NoError(t, svc.Stop(context.Background()))

	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := New(Config{Jobs: []Job{job}, Trigger: &fakeTrigger{}, StatePath: path, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer reloaded.Stop(context.Background())

	state := reloaded.Jobs()[0].State
	assert.Equal(t, statusError, state.LastStatus)
	assert.Equal(t, "down", state.LastError)
	assert.Equal(t, 1, state.ConsecutiveErrors)
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	next, err := NextRun("0 8 * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), next)

	_, err = NextRun("not cron", now)
	assert.Error(t, err)
}
