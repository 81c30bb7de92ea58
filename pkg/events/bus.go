// Package events carries the runtime's exposed event pairs (approval
// request/response, sub-agent spawn/completion) as typed messages on buffered
// channels.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type names an event.
type Type string

const (
	ApprovalRequested Type = "approval.request"
	ApprovalResolved  Type = "approval.response"
	SubagentSpawned   Type = "subagent.spawned"
	SubagentCompleted Type = "subagent.completed"
)

// Event is a published runtime event.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ApprovalRequest asks a human to confirm a supervised tool invocation.
type ApprovalRequest struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	ToolName    string `json:"tool_name"`
	SessionID   string `json:"session_id,omitempty"`
	ExpiresAt   int64  `json:"expires_at"`
}

// ApprovalResponse answers an ApprovalRequest.
type ApprovalResponse struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
	// Always asks the gate to stop prompting for this tool.
	Always bool   `json:"always,omitempty"`
	Actor  string `json:"actor,omitempty"`
	// Outcome is set on published resolutions: approved, denied or timeout.
	Outcome string `json:"outcome,omitempty"`
}

// SubagentEvent reports a sub-agent task transition.
type SubagentEvent struct {
	TaskID          string `json:"task_id"`
	ParentSessionID string `json:"parent_session_id"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
}

const defaultBuffer = 64

// Subscription receives events of the requested types.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	types  map[Type]bool
	bus    *Bus
	closed bool
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans published events out to subscribers without blocking publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscribe registers for the given event types; no types means all events.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	ch := make(chan Event, defaultBuffer)
	sub := &Subscription{
		C:     ch,
		ch:    ch,
		types: make(map[Type]bool, len(types)),
		bus:   b,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(eventType Type, data interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("event", string(eventType)).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
	}
	b.subs = make(map[*Subscription]struct{})
}
