package stream

import "strings"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType is the type tag of a content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartAudio PartType = "audio"
	PartFile  PartType = "file"
)

// ContentPart is one typed block of a multi-part message.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	URL      string   `json:"url,omitempty"`
	MIMEType string   `json:"mime_type,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// Message is a single entry in a conversation.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	IsError    bool          `json:"is_error,omitempty"`
}

// Text returns the message text, joining text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// ToolCall is a finalized tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	// RawArguments is the streamed argument text, kept until the tool runs.
	RawArguments string `json:"-"`
}

// Usage reports token consumption for one model response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolSchema describes a callable tool to a backend.
type ToolSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is the backend-neutral chat request. Each backend sends it to its
// own configured model.
type Request struct {
	Messages     []Message
	SystemPrompt string
	Tools        []ToolSchema
	MaxTokens    int
	Temperature  float64
}

// EstimateTokens approximates token count as total characters divided by 4.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Text())
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name)
			for k, v := range tc.Arguments {
				total += len(k)
				if s, ok := v.(string); ok {
					total += len(s)
				}
			}
		}
	}
	return total / 4
}
