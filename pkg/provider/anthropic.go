package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/kestrel/pkg/stream"
)

const defaultMaxTokens = 4096

// AnthropicBackend streams from the Anthropic Messages API.
type AnthropicBackend struct {
	name      string
	apiKey    string
	model     string
	maxTokens int
	client    anthropic.Client
}

func NewAnthropicBackend(cfg BackendConfig) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicBackend{
		name:      cfg.Name,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: maxTokens,
		client:    anthropic.NewClient(opts...),
	}
}

func (b *AnthropicBackend) Name() string { return b.name }

func (b *AnthropicBackend) IsAvailable() bool {
	return b.apiKey != "" && b.model != ""
}

func (b *AnthropicBackend) Chat(ctx context.Context, req stream.Request) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 16)
	go func() {
		defer close(out)
		s := sender{ctx: ctx, out: out, backend: b.name}

		params, err := b.buildParams(req)
		if err != nil {
			s.send(stream.Error(err))
			return
		}

		st := b.client.Messages.NewStreaming(ctx, params)
		defer st.Close()

		usage := &stream.Usage{}
		// Anthropic indexes content blocks across text and tool use; only
		// tool_use blocks become tool-call chunks.
		toolBlocks := make(map[int64]bool)

		for st.Next() {
			event := st.Current()
			switch e := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(e.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if e.ContentBlock.Type == "tool_use" {
					toolBlocks[e.Index] = true
					if !s.send(stream.ToolCallStart(int(e.Index), e.ContentBlock.ID, e.ContentBlock.Name)) {
						return
					}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch e.Delta.Type {
				case "text_delta":
					if td := e.Delta.AsTextDelta(); td.Text != "" {
						if !s.send(stream.Text(td.Text)) {
							return
						}
					}
				case "input_json_delta":
					if jd := e.Delta.AsInputJSONDelta(); jd.PartialJSON != "" {
						if !s.send(stream.ToolCallDelta(int(e.Index), jd.PartialJSON)) {
							return
						}
					}
				}
			case anthropic.ContentBlockStopEvent:
				if toolBlocks[e.Index] {
					if !s.send(stream.ToolCallEnd(int(e.Index))) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(e.Usage.OutputTokens)
			}
		}

		if err := st.Err(); err != nil {
			s.send(stream.Error(fmt.Errorf("anthropic stream: %w", err)))
			return
		}
		s.send(stream.Done(usage))
	}()
	return out
}

func (b *AnthropicBackend) buildParams(req stream.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	var system []anthropic.TextBlockParam
	if req.SystemPrompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.SystemPrompt})
	}

	var messages []anthropic.MessageParam
	msgs := req.Messages
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		switch msg.Role {
		case stream.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Text()})
		case stream.RoleTool:
			// All results for one assistant turn must share a single user message.
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(msgs) && msgs[i].Role == stream.RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(msgs[i].ToolCallID, msgs[i].Content, msgs[i].IsError))
				i++
			}
			i--
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		case stream.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropicUserBlocks(msg)...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := anthropic.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
			}
			if required, err := requiredFields(t.Parameters["required"]); err != nil {
				return params, fmt.Errorf("tool %s: %w", t.Name, err)
			} else if len(required) > 0 {
				schema.Required = required
			}
			tool := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}

	return params, nil
}

func anthropicUserBlocks(msg stream.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, p := range msg.Parts {
		switch p.Type {
		case stream.PartText:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case stream.PartImage:
			if mediaType, data, ok := decodeDataURL(p.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[image: %s]", p.URL)))
			}
		default:
			blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[%s attachment: %s]", p.Type, firstNonEmpty(p.Name, p.URL))))
		}
	}
	if msg.Content != "" {
		blocks = append([]anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}, blocks...)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(""))
	}
	return blocks
}

// requiredFields accepts either []string or the []interface{} produced by JSON decoding.
func requiredFields(v interface{}) ([]string, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return r, nil
	case []interface{}:
		out := make([]string, 0, len(r))
		for _, item := range r {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		raw, _ := json.Marshal(v)
		return nil, fmt.Errorf("unexpected required value %s", raw)
	}
}

// decodeDataURL splits a data:<mime>;base64,<payload> URL.
func decodeDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
