package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kestrel/pkg/stream"
)

func setupTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func drain(ch <-chan stream.Chunk) []stream.Chunk {
	var out []stream.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func terminals(chunks []stream.Chunk) int {
	n := 0
	for _, c := range chunks {
		if c.IsTerminal() {
			n++
		}
	}
	return n
}

func testRequest() stream.Request {
	return stream.Request{Messages: []stream.Message{{Role: stream.RoleUser, Content: "hi"}}}
}

func TestNewRouter(t *testing.T) {
	t.Run("should reject an empty backend list", func(t *testing.T) {
		_, err := NewRouter(Config{})
		assert.ErrorIs(t, err, ErrNoBackends)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		_, err := NewRouter(Config{Backends: []Backend{newFake("a", replying("x")), newFake("a", replying("y"))}})
		assert.Error(t, err)
	})

	t.Run("should order configured backends by priority", func(t *testing.T) {
		r, err := NewRouterFromConfigs([]BackendConfig{
			{Name: "late", Kind: "openai", APIKey: "sk-x", Model: "gpt-4o", Priority: 5},
			{Name: "early", Kind: "anthropic", APIKey: "sk-ant-x", Model: "claude", Priority: 1},
		}, Config{Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer r.Close()
		assert.Equal(t, []string{"early", "late"}, r.Backends())
	})

	t.Run("should reject an unknown backend kind", func(t *testing.T) {
		_, err := NewRouterFromConfigs([]BackendConfig{{Name: "x", Kind: "gemini"}}, Config{})
		assert.Error(t, err)
	})
}

func TestRouterFailover(t *testing.T) {
	t.Run("should skip an unhealthy backend and serve from the next healthy one", func(t *testing.T) {
		a := newFake("a", replying("from a"))
		b := newFake("b", replying("from b"))
		c := newFake("c", replying("from c"))
		r := setupTestRouter(t, Config{Backends: []Backend{a, b, c}})
		r.health.MarkUnhealthy("a")

		acc := stream.Collect(r.Route(context.Background(), testRequest()))

		assert.True(t, acc.Done())
		assert.Equal(t, "from b", acc.Text())
		assert.Equal(t, "b", acc.Backend())
		assert.Equal(t, 0, a.Calls())
		assert.Equal(t, 1, b.Calls())
		assert.Equal(t, 0, c.Calls())
	})

	t.Run("should fail over when a backend errors before any content", func(t *testing.T) {
		a := newFake("a", failing("503 overloaded"))
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{Backends: []Backend{a, b}})

		chunks := drain(r.Route(context.Background(), testRequest()))
		acc := stream.Collect(stream.FromSlice(chunks...))

		assert.Equal(t, "from b", acc.Text())
		assert.Empty(t, acc.Err())
		assert.Equal(t, 1, terminals(chunks))
		assert.False(t, r.Health()["a"].Healthy)
		assert.False(t, r.Health()["a"].Until.IsZero())
	})

	t.Run("should skip unavailable backends", func(t *testing.T) {
		a := newFake("a", replying("from a"))
		a.unavailable = true
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{Backends: []Backend{a, b}})

		acc := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "from b", acc.Text())
		assert.Equal(t, 0, a.Calls())
	})

	t.Run("should retry a backend once its cooldown expires", func(t *testing.T) {
		a := newFake("a", func(call int) []stream.Chunk {
			if call == 1 {
				return failing("boom")(call)
			}
			return replying("from a")(call)
		})
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{Backends: []Backend{a, b}, Cooldown: 50 * time.Millisecond})

		first := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "from b", first.Text())

		second := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "from b", second.Text(), "a is still cooling down")
		assert.Equal(t, 1, a.Calls())

		assert.Eventually(t, func() bool {
			return r.Health()["a"].Healthy
		}, time.Second, 10*time.Millisecond)

		third := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "from a", third.Text())
		assert.Equal(t, 2, a.Calls())
	})

	t.Run("should never retry after content was forwarded", func(t *testing.T) {
		a := newFake("a", func(int) []stream.Chunk {
			return []stream.Chunk{stream.Text("partial "), stream.Errorf("connection reset")}
		})
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{Backends: []Backend{a, b}})

		chunks := drain(r.Route(context.Background(), testRequest()))
		acc := stream.Collect(stream.FromSlice(chunks...))

		assert.Equal(t, "partial ", acc.Text())
		assert.Equal(t, "connection reset", acc.Err())
		assert.Equal(t, 1, terminals(chunks))
		assert.Equal(t, 0, b.Calls())
		assert.False(t, r.Health()["a"].Healthy)
	})

	t.Run("should emit one aggregate error when every backend fails", func(t *testing.T) {
		a := newFake("a", failing("quota exceeded"))
		b := newFake("b", failing("bad gateway"))
		c := newFake("c", replying("never"))
		c.unavailable = true
		r := setupTestRouter(t, Config{Backends: []Backend{a, b, c}})

		chunks := drain(r.Route(context.Background(), testRequest()))
		require.Len(t, chunks, 1)
		assert.Equal(t, stream.ChunkError, chunks[0].Kind)
		assert.Contains(t, chunks[0].Err, "a: quota exceeded")
		assert.Contains(t, chunks[0].Err, "b: bad gateway")
		assert.Contains(t, chunks[0].Err, "c: unavailable")
	})

	t.Run("should mark a backend healthy after success", func(t *testing.T) {
		a := newFake("a", replying("ok"))
		r := setupTestRouter(t, Config{Backends: []Backend{a}, Cooldown: time.Hour})
		r.health.MarkUnhealthy("a")
		r.health.MarkHealthy("a")

		acc := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "ok", acc.Text())
		assert.True(t, r.Health()["a"].Healthy)
	})

	t.Run("should treat a per-backend timeout as a failure", func(t *testing.T) {
		a := newFake("a", nil)
		a.block = true
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{
			Backends: []Backend{a, b},
			Options:  map[string]BackendOptions{"a": {Timeout: 30 * time.Millisecond}},
		})

		acc := stream.Collect(r.Route(context.Background(), testRequest()))
		assert.Equal(t, "from b", acc.Text())
		assert.False(t, r.Health()["a"].Healthy)
	})

	t.Run("should fall through when a backend is rate limited", func(t *testing.T) {
		a := newFake("a", replying("from a"))
		b := newFake("b", replying("from b"))
		r := setupTestRouter(t, Config{
			Backends: []Backend{a, b},
			Options:  map[string]BackendOptions{"a": {RateLimit: 0.001, Burst: 1}},
		})

		first := stream.Collect(r.Route(context.Background(), testRequest()))
		second := stream.Collect(r.Route(context.Background(), testRequest()))

		assert.Equal(t, "from a", first.Text())
		assert.Equal(t, "from b", second.Text())
		assert.True(t, r.Health()["a"].Healthy, "rate limiting is not a failure")
	})

	t.Run("should stop without penalty when the caller cancels", func(t *testing.T) {
		a := newFake("a", nil)
		a.block = true
		r := setupTestRouter(t, Config{Backends: []Backend{a}})

		ctx, cancel := context.WithCancel(context.Background())
		ch := r.Route(ctx, testRequest())
		time.Sleep(20 * time.Millisecond)
		cancel()

		done := make(chan struct{})
		go func() {
			drain(ch)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("route did not stop after cancellation")
		}
		assert.True(t, r.Health()["a"].Healthy)
	})
}

func TestRouterComplete(t *testing.T) {
	t.Run("should return the streamed text", func(t *testing.T) {
		r := setupTestRouter(t, Config{Backends: []Backend{newFake("a", func(int) []stream.Chunk {
			return []stream.Chunk{stream.Text("sum"), stream.Text("mary"), stream.Done(nil)}
		})}})

		text, err := r.Complete(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "summary", text)
	})

	t.Run("should return the aggregate error", func(t *testing.T) {
		r := setupTestRouter(t, Config{Backends: []Backend{newFake("a", failing("down"))}})

		_, err := r.Complete(context.Background(), testRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a: down")
	})

	t.Run("should report cancellation", func(t *testing.T) {
		a := newFake("a", nil)
		a.block = true
		r := setupTestRouter(t, Config{Backends: []Backend{a}})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := r.Complete(ctx, testRequest())
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
