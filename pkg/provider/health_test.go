package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTable(t *testing.T) {
	t.Run("should treat unknown backends as healthy", func(t *testing.T) {
		h := NewHealthTable(time.Minute)
		assert.True(t, h.IsHealthy("anything"))
		assert.Empty(t, h.Snapshot())
	})

	t.Run("should default the cooldown to sixty seconds", func(t *testing.T) {
		h := NewHealthTable(0)
		assert.Equal(t, DefaultCooldown, h.cooldown)
		h.MarkUnhealthy("a")
		defer h.Stop()

		until := h.Snapshot()["a"].Until
		assert.WithinDuration(t, time.Now().Add(60*time.Second), until, time.Second)
	})

	t.Run("should clear the cooldown in the background", func(t *testing.T) {
		h := NewHealthTable(30 * time.Millisecond)
		h.MarkUnhealthy("a")
		assert.False(t, h.IsHealthy("a"))

		assert.Eventually(t, func() bool {
			return h.Snapshot()["a"].Healthy
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("should not let a stale timer clear a newer cooldown", func(t *testing.T) {
		h := NewHealthTable(40 * time.Millisecond)
		defer h.Stop()
		h.MarkUnhealthy("a")
		time.Sleep(25 * time.Millisecond)
		h.MarkUnhealthy("a")
		time.Sleep(25 * time.Millisecond)

		assert.False(t, h.IsHealthy("a"), "second mark restarts the cooldown")
	})

	t.Run("should recover immediately on success", func(t *testing.T) {
		h := NewHealthTable(time.Hour)
		h.MarkUnhealthy("a")
		h.MarkHealthy("a")
		assert.True(t, h.IsHealthy("a"))
		assert.True(t, h.Snapshot()["a"].Healthy)
	})
}
