package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/kestrel/pkg/commandqueue"
	"github.com/harun/kestrel/pkg/stream"
	"github.com/rs/zerolog"
)

const (
	DefaultCleanupAge      = 30 * 24 * time.Hour
	DefaultMaxMessages     = 500
	DefaultCleanupInterval = 24 * time.Hour
)

// errSessionChanged skips a session that no longer qualifies once its lane is held.
var errSessionChanged = errors.New("session changed")

// CleanupStats reports one cleanup pass.
type CleanupStats struct {
	Deleted int `json:"deleted"`
	Pruned  int `json:"pruned"`
}

// LaneRunner runs a task on a named lane, one task at a time per lane.
type LaneRunner interface {
	Enqueue(ctx context.Context, lane string, task commandqueue.Task) (interface{}, error)
}

// Cleanup deletes stale sessions and prunes oversized histories. Each
// session is touched inside its lane so a running turn keeps exclusive
// ownership of it.
type Cleanup struct {
	store       *Store
	lanes       LaneRunner
	cleanupAge  time.Duration
	maxMessages int
	interval    time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewCleanup creates a cleanup handler. Zero values take the defaults. A nil
// lanes runs each step directly.
func NewCleanup(store *Store, lanes LaneRunner, cleanupAge time.Duration, maxMessages int, logger zerolog.Logger) *Cleanup {
	if cleanupAge <= 0 {
		cleanupAge = DefaultCleanupAge
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	return &Cleanup{
		store:       store,
		lanes:       lanes,
		cleanupAge:  cleanupAge,
		maxMessages: maxMessages,
		interval:    DefaultCleanupInterval,
		logger:      logger,
	}
}

// Start runs a pass immediately and then once per interval until Stop.
func (c *Cleanup) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(ctx, c.done)

	c.logger.Info().
		Dur("cleanup_age", c.cleanupAge).
		Int("max_messages", c.maxMessages).
		Msg("Session cleanup started")

	return nil
}

// Stop halts the background loop and waits for it to exit.
func (c *Cleanup) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	done := c.done
	c.running = false
	c.mu.Unlock()

	<-done
	c.logger.Info().Msg("Session cleanup stopped")
}

func (c *Cleanup) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if _, err := c.CleanupNow(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to cleanup sessions")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// CleanupNow runs one pass.
func (c *Cleanup) CleanupNow(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats

	summaries, err := c.store.ListSessions(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	for _, summary := range summaries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if now.Sub(summary.UpdatedAt) >= c.cleanupAge {
			err := c.inLane(ctx, summary.ID, c.expire)
			if errors.Is(err, errSessionChanged) {
				continue
			}
			if err != nil {
				c.logger.Warn().Str("session_id", summary.ID).Err(err).Msg("Failed to delete session")
				continue
			}
			stats.Deleted++
			continue
		}

		if summary.MessageCount > c.maxMessages {
			err := c.inLane(ctx, summary.ID, c.prune)
			if errors.Is(err, errSessionChanged) {
				continue
			}
			if err != nil {
				c.logger.Warn().Str("session_id", summary.ID).Err(err).Msg("Failed to prune session")
				continue
			}
			stats.Pruned++
		}
	}

	if stats.Deleted > 0 || stats.Pruned > 0 {
		c.logger.Info().
			Int("deleted", stats.Deleted).
			Int("pruned", stats.Pruned).
			Msg("Cleaned up sessions")
	}

	return stats, nil
}

func (c *Cleanup) inLane(ctx context.Context, id string, step func(context.Context, string) error) error {
	if c.lanes == nil {
		return step(ctx, id)
	}
	_, err := c.lanes.Enqueue(ctx, commandqueue.SessionLane(id), func(taskCtx context.Context) (interface{}, error) {
		return nil, step(taskCtx, id)
	})
	return err
}

// expire deletes the session unless a turn refreshed it while the pass waited
// for the lane.
func (c *Cleanup) expire(ctx context.Context, id string) error {
	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if time.Since(sess.UpdatedAt) < c.cleanupAge {
		return errSessionChanged
	}
	return c.store.Delete(ctx, id)
}

// prune re-reads the session inside the lane so it never saves over a turn.
func (c *Cleanup) prune(ctx context.Context, id string) error {
	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(sess.Messages) <= c.maxMessages {
		return errSessionChanged
	}

	sess.Messages = TrimHistory(sess.Messages, c.maxMessages)
	return c.store.Save(ctx, sess)
}

// TrimHistory keeps at most max trailing messages and never starts the
// result with a tool message whose call was trimmed away.
func TrimHistory(msgs []stream.Message, max int) []stream.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	kept := msgs[len(msgs)-max:]
	for len(kept) > 0 && kept[0].Role == stream.RoleTool {
		kept = kept[1:]
	}
	out := make([]stream.Message, len(kept))
	copy(out, kept)
	return out
}

func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
