package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(Config{Logger: zerolog.Nop(), WarnAfter: time.Second})
	t.Cleanup(func() { cq.Close() })
	return cq
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session-abc", SessionLane("abc"))
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := setupTestQueue(t)

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := setupTestQueue(t)
	expectedErr := errors.New("task failed")

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
	assert.Nil(t, result)
}

func TestCommandQueue_RecoversPanic(t *testing.T) {
	cq := setupTestQueue(t)

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandQueue_SerialWithinLane(t *testing.T) {
	cq := setupTestQueue(t)

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := setupTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		require.Eventually(t, func() bool { return cq.GetQueueSize("fifo") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := setupTestQueue(t)

	blockA := make(chan struct{})
	startedA := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), SessionLane("a"), func(ctx context.Context) (interface{}, error) {
			close(startedA)
			<-blockA
			return nil, nil
		})
	}()
	<-startedA
	defer close(blockA)

	result, err := cq.Enqueue(context.Background(), SessionLane("b"), func(ctx context.Context) (interface{}, error) {
		return "b done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b done", result)
	assert.Equal(t, 1, cq.GetRunningCount(SessionLane("a")))
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := setupTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran int32
	_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
		atomic.StoreInt32(&ran, 1)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	_, err = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCommandQueue_ResetLane(t *testing.T) {
	cq := setupTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, cq.ResetLane("lane"))
	assert.ErrorIs(t, <-errCh, ErrLaneReset)
	assert.Equal(t, 0, cq.ResetLane("unknown"))
	close(release)
}

func TestCommandQueue_SetConcurrencyAndStats(t *testing.T) {
	cq := setupTestQueue(t)
	cq.SetConcurrency("wide", 3)

	stats := cq.GetStats()
	require.Contains(t, stats, "wide")
	assert.Equal(t, 3, stats["wide"]["concurrency"])
	assert.Equal(t, 0, cq.GetQueueSize("missing"))
	assert.Equal(t, 0, cq.GetRunningCount("missing"))
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
