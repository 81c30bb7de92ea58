package heartbeat

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Job schedules a prompt delivered to the agent as if a user had sent it.
type Job struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // 5-field cron expression or @descriptor
	Prompt   string `json:"prompt"`
	Enabled  bool   `json:"enabled"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"` // "ok" or "error"
	LastError         string     `json:"last_error,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	Running           bool       `json:"running,omitempty"`
}

// JobStatus is a job with its state
type JobStatus struct {
	Job
	State JobState `json:"state"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression in the format heartbeats accept.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// NextRun returns the first activation of spec after now.
func NextRun(spec string, now time.Time) (time.Time, error) {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
