package stream

import "fmt"

// ChunkKind tags the variant carried by a Chunk.
type ChunkKind string

const (
	ChunkText          ChunkKind = "text_delta"
	ChunkToolCallStart ChunkKind = "tool_call_start"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
	ChunkToolCallEnd   ChunkKind = "tool_call_end"
	ChunkDone          ChunkKind = "done"
	ChunkError         ChunkKind = "error"
)

// Chunk is one event of a streamed model response.
//
// Fields are populated according to Kind:
//   - text_delta: Text
//   - tool_call_start: Index, ToolCallID, ToolName
//   - tool_call_delta: Index, ArgsDelta
//   - tool_call_end: Index
//   - done: Usage (optional)
//   - error: Err
type Chunk struct {
	Kind       ChunkKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Index      int       `json:"index,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ArgsDelta  string    `json:"args_delta,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	Err        string    `json:"error,omitempty"`
	Backend    string    `json:"backend,omitempty"`
}

// Text builds a text delta chunk.
func Text(s string) Chunk {
	return Chunk{Kind: ChunkText, Text: s}
}

// ToolCallStart builds a tool-call-started chunk.
func ToolCallStart(index int, id, name string) Chunk {
	return Chunk{Kind: ChunkToolCallStart, Index: index, ToolCallID: id, ToolName: name}
}

// ToolCallDelta builds a tool-call-argument fragment chunk.
func ToolCallDelta(index int, fragment string) Chunk {
	return Chunk{Kind: ChunkToolCallDelta, Index: index, ArgsDelta: fragment}
}

// ToolCallEnd builds a tool-call-finished chunk.
func ToolCallEnd(index int) Chunk {
	return Chunk{Kind: ChunkToolCallEnd, Index: index}
}

// Done builds the terminal success chunk.
func Done(usage *Usage) Chunk {
	return Chunk{Kind: ChunkDone, Usage: usage}
}

// Error builds the terminal error chunk.
func Error(err error) Chunk {
	if err == nil {
		err = fmt.Errorf("unknown stream error")
	}
	return Chunk{Kind: ChunkError, Err: err.Error()}
}

// Errorf builds the terminal error chunk from a format string.
func Errorf(format string, args ...interface{}) Chunk {
	return Chunk{Kind: ChunkError, Err: fmt.Sprintf(format, args...)}
}

// IsContent reports whether the chunk carries model output the caller can observe.
func (c Chunk) IsContent() bool {
	switch c.Kind {
	case ChunkText, ChunkToolCallStart, ChunkToolCallDelta, ChunkToolCallEnd:
		return true
	}
	return false
}

// IsTerminal reports whether the chunk ends the sequence.
func (c Chunk) IsTerminal() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}
