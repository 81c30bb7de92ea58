package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/stream"
)

const (
	// DefaultCompactionThreshold is the estimated token count above which
	// history is summarized.
	DefaultCompactionThreshold = 100000

	maxRetained        = 10
	maxTranscriptEntry = 500
	summaryPrefix      = "[Summary of earlier conversation]\n"
)

const summarizePrompt = `You compress conversation history. Summarize the transcript below so the ` +
	`conversation can continue without it. Keep decisions, facts about the user, open tasks, ` +
	`file paths and tool outcomes. Reply with the summary only.`

// Summarizer runs a single non-tool chat request and returns its text.
type Summarizer interface {
	Complete(ctx context.Context, req stream.Request) (string, error)
}

// CompactorConfig configures a Compactor.
type CompactorConfig struct {
	Summarizer Summarizer
	// Threshold in estimated tokens; zero uses DefaultCompactionThreshold.
	Threshold int
	MaxTokens int
	Logger    zerolog.Logger
}

// Compactor replaces old history with a model-written summary once the
// estimated size passes a threshold.
type Compactor struct {
	summarizer Summarizer
	threshold  int
	maxTokens  int
	logger     zerolog.Logger
}

func NewCompactor(cfg CompactorConfig) *Compactor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultCompactionThreshold
	}
	return &Compactor{
		summarizer: cfg.Summarizer,
		threshold:  cfg.Threshold,
		maxTokens:  cfg.MaxTokens,
		logger:     cfg.Logger,
	}
}

// Threshold returns the configured token threshold.
func (c *Compactor) Threshold() int {
	return c.threshold
}

// NeedsCompaction reports whether messages exceed the threshold.
func (c *Compactor) NeedsCompaction(messages []stream.Message) bool {
	return stream.EstimateTokens(messages) > c.threshold
}

// Compact summarizes the prefix of messages and returns the summary followed
// by the retained tail. It returns the input unchanged, and false, when the
// history is under the threshold, nothing can be summarized or the
// summarizer fails.
func (c *Compactor) Compact(ctx context.Context, messages []stream.Message) ([]stream.Message, bool) {
	if !c.NeedsCompaction(messages) || c.summarizer == nil {
		return messages, false
	}

	prefix, tail := splitForCompaction(messages)
	if len(prefix) == 0 || (len(prefix) == 1 && isSummary(prefix[0])) {
		return messages, false
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.compact",
		attribute.Int("messages", len(messages)),
		attribute.Int("summarized", len(prefix)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	summary, err := c.summarizer.Complete(ctx, stream.Request{
		Messages: []stream.Message{{
			Role:    stream.RoleUser,
			Content: Transcript(prefix),
		}},
		SystemPrompt: summarizePrompt,
		MaxTokens:    c.maxTokens,
	})
	if err == nil && strings.TrimSpace(summary) == "" {
		err = fmt.Errorf("empty summary")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordCompaction(false)
		logger.Warn().Err(err).Int("messages", len(messages)).Msg("Compaction failed, keeping full history")
		return messages, false
	}

	out := make([]stream.Message, 0, len(tail)+1)
	out = append(out, stream.Message{
		Role:    stream.RoleSystem,
		Content: summaryPrefix + strings.TrimSpace(summary),
	})
	out = append(out, tail...)

	observability.RecordCompaction(true)
	logger.Info().
		Int("before", len(messages)).
		Int("after", len(out)).
		Int("estimated_tokens", stream.EstimateTokens(out)).
		Msg("History compacted")

	return out, true
}

// splitForCompaction keeps the last max(1, min(10, n/3)) messages. Tool
// results at the head of the tail whose call falls in the prefix move into
// the prefix. When that would empty the tail, the calling assistant message
// is kept with its results instead.
func splitForCompaction(messages []stream.Message) (prefix, tail []stream.Message) {
	n := len(messages)
	keep := n / 3
	if keep > maxRetained {
		keep = maxRetained
	}
	if keep < 1 {
		keep = 1
	}

	cut := n - keep
	for cut < n && messages[cut].Role == stream.RoleTool {
		cut++
	}
	if cut == n {
		cut = n - keep
		for cut > 0 && messages[cut].Role == stream.RoleTool {
			cut--
		}
	}
	return messages[:cut], messages[cut:]
}

func isSummary(msg stream.Message) bool {
	return msg.Role == stream.RoleSystem && strings.HasPrefix(msg.Content, summaryPrefix)
}

// Transcript flattens messages into "role: text" lines, each entry capped
// at 500 characters.
func Transcript(messages []stream.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		entry := msg.Text()
		for _, call := range msg.ToolCalls {
			if entry != "" {
				entry += " "
			}
			entry += "[called " + call.Name + "]"
		}
		if msg.Role == stream.RoleTool && msg.IsError {
			entry = "[error] " + entry
		}
		entry = truncateRunes(entry, maxTranscriptEntry)

		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(entry)
		b.WriteString("\n")
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
