package provider

import (
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
)

const DefaultCooldown = 60 * time.Second

// BackendHealth is a point-in-time view of one backend's health entry.
type BackendHealth struct {
	Healthy bool      `json:"healthy"`
	Until   time.Time `json:"until,omitempty"`
}

type healthEntry struct {
	healthy bool
	until   time.Time
	timer   *time.Timer
	gen     uint64
}

// HealthTable tracks which backends are cooling down after a failure.
// A backend with no entry is healthy. Entries are cleared by a background
// timer when the cooldown elapses, or immediately on success.
type HealthTable struct {
	mu       sync.Mutex
	cooldown time.Duration
	entries  map[string]*healthEntry
}

func NewHealthTable(cooldown time.Duration) *HealthTable {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HealthTable{
		cooldown: cooldown,
		entries:  make(map[string]*healthEntry),
	}
}

func (h *HealthTable) IsHealthy(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[name]
	if !ok || e.healthy {
		return true
	}
	// The timer may lag behind the deadline under load.
	return !time.Now().Before(e.until)
}

// MarkUnhealthy starts (or restarts) the cooldown for name.
func (h *HealthTable) MarkUnhealthy(name string) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if !ok {
		e = &healthEntry{}
		h.entries[name] = e
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.healthy = false
	e.until = time.Now().Add(h.cooldown)
	e.timer = time.AfterFunc(h.cooldown, func() {
		h.expire(name, gen)
	})
	h.mu.Unlock()

	observability.SetBackendHealthy(name, false)
}

func (h *HealthTable) MarkHealthy(name string) {
	h.mu.Lock()
	if e, ok := h.entries[name]; ok {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
		e.healthy = true
		e.until = time.Time{}
	}
	h.mu.Unlock()

	observability.SetBackendHealthy(name, true)
}

// expire clears the cooldown set by generation gen, unless a newer mark superseded it.
func (h *HealthTable) expire(name string, gen uint64) {
	h.mu.Lock()
	e, ok := h.entries[name]
	if !ok || e.gen != gen {
		h.mu.Unlock()
		return
	}
	e.healthy = true
	e.until = time.Time{}
	e.timer = nil
	h.mu.Unlock()

	observability.SetBackendHealthy(name, true)
}

func (h *HealthTable) Snapshot() map[string]BackendHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]BackendHealth, len(h.entries))
	now := time.Now()
	for name, e := range h.entries {
		healthy := e.healthy || !now.Before(e.until)
		bh := BackendHealth{Healthy: healthy}
		if !healthy {
			bh.Until = e.until
		}
		out[name] = bh
	}
	return out
}

// Stop cancels pending cooldown timers.
func (h *HealthTable) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}
