package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/harun/kestrel/pkg/stream"
)

// OpenAIBackend streams from the Chat Completions API. Any OpenAI-compatible
// endpoint can be used through BaseURL.
type OpenAIBackend struct {
	name      string
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	client    openai.Client
}

func NewOpenAIBackend(cfg BackendConfig) *OpenAIBackend {
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
	return &OpenAIBackend{
		name:      cfg.Name,
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    openai.NewClient(opts...),
	}
}

func (b *OpenAIBackend) Name() string { return b.name }

// IsAvailable allows keyless use against a custom base URL such as a local server.
func (b *OpenAIBackend) IsAvailable() bool {
	return b.model != "" && (b.apiKey != "" || b.baseURL != "")
}

func (b *OpenAIBackend) Chat(ctx context.Context, req stream.Request) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 16)
	go func() {
		defer close(out)
		s := sender{ctx: ctx, out: out, backend: b.name}

		params, err := b.buildParams(req)
		if err != nil {
			s.send(stream.Error(err))
			return
		}

		st := b.client.Chat.Completions.NewStreaming(ctx, params)
		defer st.Close()

		usage := &stream.Usage{}
		open := make(map[int]bool)
		var order []int

		for st.Next() {
			chunk := st.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage.InputTokens = int(chunk.Usage.PromptTokens)
				usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !s.send(stream.Text(choice.Delta.Content)) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				if !open[idx] {
					open[idx] = true
					order = append(order, idx)
					if !s.send(stream.ToolCallStart(idx, tc.ID, tc.Function.Name)) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					if !s.send(stream.ToolCallDelta(idx, tc.Function.Arguments)) {
						return
					}
				}
			}

			// The API has no per-call stop event; every call ends with the choice.
			if choice.FinishReason != "" {
				for _, idx := range order {
					if !s.send(stream.ToolCallEnd(idx)) {
						return
					}
				}
				open = make(map[int]bool)
				order = nil
			}
		}

		if err := st.Err(); err != nil {
			s.send(stream.Error(fmt.Errorf("openai stream: %w", err)))
			return
		}
		for _, idx := range order {
			if !s.send(stream.ToolCallEnd(idx)) {
				return
			}
		}
		s.send(stream.Done(usage))
	}()
	return out
}

func (b *OpenAIBackend) buildParams(req stream.Request) (openai.ChatCompletionNewParams, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case stream.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Text()))
		case stream.RoleUser:
			messages = append(messages, openai.UserMessage(userText(msg)))
		case stream.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Text()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				argsJSON, err := json.Marshal(args)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		case stream.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

// userText flattens non-text parts into placeholders; image upload is
// Anthropic-only for now.
func userText(msg stream.Message) string {
	text := msg.Text()
	for _, p := range msg.Parts {
		if p.Type == stream.PartText {
			continue
		}
		text += fmt.Sprintf("\n[%s attachment: %s]", p.Type, firstNonEmpty(p.Name, p.URL))
	}
	return text
}
