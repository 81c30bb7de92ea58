package daemon

import (
	"context"
	"time"

	"github.com/harun/kestrel/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon serves.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks prunes finished sub-agent tasks, refreshes gauges and logs
// busy queue lanes.
func (e *EventLoop) processTasks(ctx context.Context) {
	d := e.daemon

	if d.supervisor != nil {
		if removed := d.supervisor.Cleanup(d.config.Subagents.Retention()); removed > 0 {
			d.logger.Debug().Int("removed", removed).Msg("Pruned finished sub-agent tasks")
		}
	}

	if d.memory != nil {
		count, err := d.memory.Count(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to count memory entries")
		} else {
			observability.SetMemoryEntries(count)
		}
	}

	for lane, laneStats := range d.queue.GetStats() {
		if laneStats["queued"] > 0 || laneStats["running"] > 0 {
			d.logger.Debug().
				Str("lane", lane).
				Int("queued", laneStats["queued"]).
				Int("running", laneStats["running"]).
				Msg("Queue stats")
		}
	}
}
