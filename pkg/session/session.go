package session

import (
	"time"

	"github.com/harun/kestrel/pkg/stream"
)

// Session is one persisted conversation.
type Session struct {
	ID        string                 `json:"id"`
	Channel   string                 `json:"channel"`
	ChatID    string                 `json:"chat_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Messages  []stream.Message       `json:"messages"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chat_id"`
	UserID       string    `json:"user_id,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key is the (channel, chat) lookup key.
func Key(channel, chatID string) string {
	return channel + ":" + chatID
}

func (s *Session) Key() string {
	return Key(s.Channel, s.ChatID)
}

// Append adds messages in order.
func (s *Session) Append(msgs ...stream.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Clone returns a deep enough copy: the message slice and metadata map are
// copied, message contents are shared because messages are immutable once appended.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]stream.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *Session) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Channel:      s.Channel,
		ChatID:       s.ChatID,
		UserID:       s.UserID,
		MessageCount: len(s.Messages),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
