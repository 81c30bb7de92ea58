package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrLaneReset is returned to queued tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("command queue closed")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// SessionLane names the lane that serializes turns for one session.
func SessionLane(sessionID string) string {
	return "session-" + sessionID
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// Config configures a CommandQueue.
type Config struct {
	Logger zerolog.Logger
	// WarnAfter logs tasks that wait longer than this in their lane.
	WarnAfter time.Duration
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	warnAfter time.Duration
	logger    zerolog.Logger
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:     make(map[string]*laneState),
		warnAfter: cfg.WarnAfter,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok := cq.lanes[name]; ok {
		return ls
	}
	ls = &laneState{concurrency: 1}
	cq.lanes[name] = ls
	return ls
}

// Enqueue adds task to lane and blocks until it finishes or ctx ends.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.ctx.Err() != nil {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, cq.logger).With().Str("lane", lane).Logger()
	ls := cq.lane(lane)

	cq.mu.Lock()
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().Str("task_id", taskID).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if cq.warnAfter > 0 {
		go cq.warnIfWaiting(record, lane, ls)
	}

	go cq.processLane(lane, ls)

	select {
	case result := <-record.result:
		if result.err != nil {
			span.RecordError(result.err)
			span.SetStatus(codes.Error, result.err.Error())
		}
		return result.value, result.err
	case <-ctx.Done():
		// A queued record whose context ended is skipped by processLane;
		// a running one sees the same cancellation through its context.
		return nil, ctx.Err()
	}
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}
		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, tracing.TracerQueue, "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, cq.logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	go cq.processLane(lane, ls)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) warnIfWaiting(record *taskRecord, lane string, ls *laneState) {
	timer := time.NewTimer(cq.warnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	queuePos := -1
	for i, r := range ls.queue {
		if r == record {
			queuePos = i
			break
		}
	}
	ls.mu.Unlock()

	if queuePos >= 0 {
		cq.logger.Warn().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("waited", time.Since(record.enqueuedAt)).
			Int("queue_pos", queuePos).
			Msg("Task waiting longer than expected")
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// ResetLane rejects every queued task in lane with ErrLaneReset. Running
// tasks are left to their own cancellation.
func (cq *CommandQueue) ResetLane(lane string) int {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	dropped := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneReset}
	}
	ls.queue = nil

	cq.logger.Info().Str("lane", lane).Int("dropped", dropped).Msg("Lane reset")
	return dropped
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)

	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if concurrency > oldMax {
		go cq.processLane(lane, ls)
	}
}

// Close cancels running tasks and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.cancel()
	cq.wg.Wait()
	return nil
}
