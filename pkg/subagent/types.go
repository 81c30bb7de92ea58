package subagent

import "time"

// Status represents the execution state of a sub-agent task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if the status is terminal
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one delegated sub-agent run
type Task struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id"`
	SessionID       string     `json:"session_id,omitempty"`
	Description     string     `json:"description"`
	Status          Status     `json:"status"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// Stats contains supervisor statistics
type Stats struct {
	Total         int `json:"total"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

// registry is the persisted task list
type registry struct {
	Version     int     `json:"version"`
	Tasks       []*Task `json:"tasks"`
	LastUpdated int64   `json:"last_updated"`
}
