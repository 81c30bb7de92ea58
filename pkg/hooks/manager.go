// Package hooks runs user scripts when runtime events fire: daemon
// lifecycle transitions and every event published on the runtime bus.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kestrel/pkg/events"
)

// Lifecycle events raised by the daemon itself.
const (
	EventDaemonStarted  = "daemon.started"
	EventDaemonStopping = "daemon.stopping"
)

const (
	defaultHookTimeout = 30 * time.Second
	envPrefix          = "KESTREL_HOOK_"
)

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Hook manager.
type Config struct {
	Hooks []Hook
	// Bus delivers runtime events to hooks registered for their type.
	Bus    *events.Bus
	Logger zerolog.Logger
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook

	sub *events.Subscription
	wg  sync.WaitGroup
}

// NewManager creates a hook manager. Disabled hooks are ignored.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		hooksByEvent: make(map[string][]Hook),
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultHookTimeout
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Events returns the events that have at least one hook, sorted.
func (m *Manager) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.hooksByEvent))
	for event := range m.hooksByEvent {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// Start subscribes to the bus for every hooked event type and runs hooks
// in arrival order until Stop or the bus closes.
func (m *Manager) Start(ctx context.Context) {
	if m.bus == nil {
		return
	}
	hooked := m.Events()
	if len(hooked) == 0 {
		return
	}

	types := make([]events.Type, 0, len(hooked))
	for _, event := range hooked {
		types = append(types, events.Type(event))
	}
	m.sub = m.bus.Subscribe(types...)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for evt := range m.sub.C {
			if err := m.Trigger(ctx, string(evt.Type), eventData(evt.Data)); err != nil {
				m.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("Hook failed")
			}
		}
	}()

	m.logger.Info().Strs("events", hooked).Msg("Hooks subscribed")
}

// Stop detaches from the bus and waits for the running hook to finish.
func (m *Manager) Stop() {
	if m.sub != nil {
		m.sub.Close()
	}
	m.wg.Wait()
}

// Trigger executes hooks registered for an event.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		return fmt.Errorf("hook %s: failed to encode payload: %w", hookID, err)
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	m.logger.Debug().
		Str("event", event).
		Str("hook_id", hookID).
		Dur("duration", time.Since(start)).
		Str("output", outputText).
		Msg("Hook executed")

	return nil
}

// eventData flattens a bus payload into the string-keyed map hooks see.
func eventData(data interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err == nil {
		var out map[string]interface{}
		if json.Unmarshal(raw, &out) == nil {
			return out
		}
	}
	return map[string]interface{}{"value": fmt.Sprintf("%v", data)}
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := envPrefix + "DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
