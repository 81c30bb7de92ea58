package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster handles broadcasting events to authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all authenticated clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastMessage(EventMessage{Event: event, Data: data})
}

// BroadcastMessage sends msg to all authenticated clients, filling in
// sequence and timestamp.
func (b *EventBroadcaster) BroadcastMessage(msg EventMessage) {
	msg = b.stamp(msg)
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", msg.Event).Int64("seq", msg.Seq).Msg("No authenticated clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

// SendToClient sends msg to one client. It reports whether the client was
// connected and authenticated.
func (b *EventBroadcaster) SendToClient(clientID string, msg EventMessage) bool {
	client, ok := b.clients.Get(clientID)
	if !ok || !client.IsAuthenticated() {
		return false
	}

	msg = b.stamp(msg)
	if err := client.WriteJSON(msg); err != nil {
		b.logger.Warn().Err(err).Str("client_id", clientID).Str("event", msg.Event).Msg("Failed to send event to client")
		return false
	}
	return true
}

func (b *EventBroadcaster) stamp(msg EventMessage) EventMessage {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg
}
