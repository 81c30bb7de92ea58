package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter(t *testing.T) {
	t.Run("should apply defaults", func(t *testing.T) {
		limiter := NewClientRateLimiter(0, 0, 0)
		assert.Equal(t, DefaultMaxConcurrent, limiter.maxConcurrent)
		assert.Equal(t, DefaultBurst, limiter.limiter.Burst())
	})

	t.Run("should cap concurrent requests", func(t *testing.T) {
		limiter := NewClientRateLimiter(1000, 1000, 2)

		ok, _ := limiter.Acquire()
		assert.True(t, ok)
		ok, _ = limiter.Acquire()
		assert.True(t, ok)

		ok, reason := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonTooConcurrent, reason)
		assert.Equal(t, 2, limiter.InFlight())

		limiter.Release()
		ok, _ = limiter.Acquire()
		assert.True(t, ok)
	})

	t.Run("should reject once burst is spent", func(t *testing.T) {
		limiter := NewClientRateLimiter(0.001, 3, 100)

		for i := 0; i < 3; i++ {
			ok, _ := limiter.Acquire()
			assert.True(t, ok)
			limiter.Release()
		}

		ok, reason := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonRateLimited, reason)
		assert.Equal(t, 0, limiter.InFlight())
	})

	t.Run("should not go below zero on release", func(t *testing.T) {
		limiter := NewClientRateLimiter(1, 1, 1)
		limiter.Release()
		assert.Equal(t, 0, limiter.InFlight())
	})
}
