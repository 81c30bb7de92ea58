package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

type callBuffer struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator folds a chunk sequence into response text and finalized tool calls.
// It is not safe for concurrent use.
type Accumulator struct {
	text      strings.Builder
	pending   map[int]*callBuffer
	finalized []ToolCall
	usage     *Usage
	err       string
	done      bool
	backend   string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{pending: make(map[int]*callBuffer)}
}

// Add applies one chunk.
func (a *Accumulator) Add(c Chunk) {
	if c.Backend != "" {
		a.backend = c.Backend
	}
	switch c.Kind {
	case ChunkText:
		a.text.WriteString(c.Text)
	case ChunkToolCallStart:
		buf := a.buffer(c.Index)
		if c.ToolCallID != "" {
			buf.id = c.ToolCallID
		}
		if c.ToolName != "" {
			buf.name = c.ToolName
		}
	case ChunkToolCallDelta:
		a.buffer(c.Index).args.WriteString(c.ArgsDelta)
	case ChunkToolCallEnd:
		buf, ok := a.pending[c.Index]
		if !ok {
			return
		}
		delete(a.pending, c.Index)
		id := buf.id
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", c.Index, len(a.finalized))
		}
		raw := buf.args.String()
		a.finalized = append(a.finalized, ToolCall{
			ID:           id,
			Name:         buf.name,
			Arguments:    decodeObject(raw),
			RawArguments: raw,
		})
	case ChunkDone:
		a.done = true
		if c.Usage != nil {
			a.usage = c.Usage
		}
	case ChunkError:
		a.err = c.Err
	}
}

func (a *Accumulator) buffer(index int) *callBuffer {
	buf, ok := a.pending[index]
	if !ok {
		buf = &callBuffer{}
		a.pending[index] = buf
	}
	return buf
}

// Text returns the accumulated response text.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// ToolCalls returns the finalized tool calls in the order they finished.
func (a *Accumulator) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(a.finalized))
	copy(out, a.finalized)
	return out
}

// Usage returns the reported usage, if any.
func (a *Accumulator) Usage() *Usage {
	return a.usage
}

// Err returns the error message of a terminal error chunk, or "".
func (a *Accumulator) Err() string {
	return a.err
}

// Done reports whether a terminal done chunk was seen.
func (a *Accumulator) Done() bool {
	return a.done
}

// Backend returns the backend name stamped on the chunks, if any.
func (a *Accumulator) Backend() string {
	return a.backend
}

// Message returns the assistant message capturing text and finalized calls.
func (a *Accumulator) Message() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   a.Text(),
		ToolCalls: a.ToolCalls(),
	}
}

// decodeObject decodes well-formed argument text. Anything else yields an
// empty set; repair happens where the tool runs, from RawArguments.
func decodeObject(raw string) map[string]interface{} {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}

// Collect drains a chunk channel into an accumulator.
func Collect(chunks <-chan Chunk) *Accumulator {
	acc := NewAccumulator()
	for c := range chunks {
		acc.Add(c)
	}
	return acc
}

// FromSlice returns a closed channel that yields the given chunks.
func FromSlice(chunks ...Chunk) <-chan Chunk {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
