package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kestrel/pkg/stream"
)

func sseServer(t *testing.T, body string, capture *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, capture)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func anthropicEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func calculatorSchema() stream.ToolSchema {
	return stream.ToolSchema{
		Name:        "calculator",
		Description: "Evaluates arithmetic",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"expr": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"expr"},
		},
	}
}

func TestAnthropicBackendChat(t *testing.T) {
	body := strings.Join([]string{
		anthropicEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1}}}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me compute."}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		anthropicEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"calculator","input":{}}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"expr\":"}}`),
		anthropicEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"2+2\"}"}}`),
		anthropicEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		anthropicEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":20}}`),
		anthropicEvent("message_stop", `{"type":"message_stop"}`),
	}, "")

	var captured map[string]interface{}
	srv := sseServer(t, body, &captured)

	b := NewAnthropicBackend(BackendConfig{Name: "claude", APIKey: "sk-ant-test", BaseURL: srv.URL, Model: "claude-test"})
	require.True(t, b.IsAvailable())

	req := stream.Request{
		SystemPrompt: "be brief",
		Tools:        []stream.ToolSchema{calculatorSchema()},
		Messages: []stream.Message{
			{Role: stream.RoleUser, Content: "What's 2+2?"},
		},
	}
	acc := stream.Collect(b.Chat(context.Background(), req))

	require.True(t, acc.Done(), "error: %s", acc.Err())
	assert.Equal(t, "Let me compute.", acc.Text())
	require.Len(t, acc.ToolCalls(), 1)
	assert.Equal(t, "toolu_1", acc.ToolCalls()[0].ID)
	assert.Equal(t, "calculator", acc.ToolCalls()[0].Name)
	assert.Equal(t, "2+2", acc.ToolCalls()[0].Arguments["expr"])
	assert.Equal(t, 12, acc.Usage().InputTokens)
	assert.Equal(t, 20, acc.Usage().OutputTokens)
	assert.Equal(t, "claude", acc.Backend())

	assert.Equal(t, "claude-test", captured["model"])
	assert.Equal(t, true, captured["stream"])
}

func TestAnthropicBuildParams(t *testing.T) {
	b := NewAnthropicBackend(BackendConfig{Name: "claude", APIKey: "k", Model: "m"})

	params, err := b.buildParams(stream.Request{
		Messages: []stream.Message{
			{Role: stream.RoleSystem, Content: "summary of earlier turns"},
			{Role: stream.RoleUser, Content: "run two tools"},
			{Role: stream.RoleAssistant, ToolCalls: []stream.ToolCall{
				{ID: "t1", Name: "a", Arguments: map[string]interface{}{}},
				{ID: "t2", Name: "b"},
			}},
			{Role: stream.RoleTool, ToolCallID: "t1", Content: "one"},
			{Role: stream.RoleTool, ToolCallID: "t2", Content: "denied", IsError: true},
		},
	})
	require.NoError(t, err)

	assert.Len(t, params.System, 1, "system messages move to the system field")
	require.Len(t, params.Messages, 3, "consecutive tool results share one user message")
	assert.Len(t, params.Messages[2].Content, 2)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
}

func TestAnthropicBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	b := NewAnthropicBackend(BackendConfig{Name: "claude", APIKey: "sk-ant-test", BaseURL: srv.URL, Model: "m"})
	chunks := drain(b.Chat(context.Background(), testRequest()))

	require.Len(t, chunks, 1)
	assert.Equal(t, stream.ChunkError, chunks[0].Kind)
	assert.Contains(t, chunks[0].Err, "anthropic stream")
}

func openAIData(data string) string {
	return "data: " + data + "\n\n"
}

func TestOpenAIBackendChat(t *testing.T) {
	body := strings.Join([]string{
		openAIData(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"},"finish_reason":null}]}`),
		openAIData(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calculator","arguments":""}}]},"finish_reason":null}]}`),
		openAIData(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expr\":\"2+2\"}"}}]},"finish_reason":null}]}`),
		openAIData(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		openAIData(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":5,"total_tokens":14}}`),
		openAIData(`[DONE]`),
	}, "")

	var captured map[string]interface{}
	srv := sseServer(t, body, &captured)

	b := NewOpenAIBackend(BackendConfig{Name: "gpt", APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})
	acc := stream.Collect(b.Chat(context.Background(), stream.Request{
		Tools:    []stream.ToolSchema{calculatorSchema()},
		Messages: []stream.Message{{Role: stream.RoleUser, Content: "What's 2+2?"}},
	}))

	require.True(t, acc.Done(), "error: %s", acc.Err())
	assert.Equal(t, "Checking", acc.Text())
	require.Len(t, acc.ToolCalls(), 1)
	assert.Equal(t, "call_1", acc.ToolCalls()[0].ID)
	assert.Equal(t, "2+2", acc.ToolCalls()[0].Arguments["expr"])
	assert.Equal(t, 9, acc.Usage().InputTokens)
	assert.Equal(t, 5, acc.Usage().OutputTokens)

	assert.Equal(t, "gpt-test", captured["model"])
	opts, ok := captured["stream_options"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, opts["include_usage"])
}

func TestOpenAIAvailability(t *testing.T) {
	assert.False(t, NewOpenAIBackend(BackendConfig{Model: "m"}).IsAvailable())
	assert.True(t, NewOpenAIBackend(BackendConfig{Model: "m", BaseURL: "http://localhost:11434/v1"}).IsAvailable())
	assert.False(t, NewOpenAIBackend(BackendConfig{APIKey: "k"}).IsAvailable())
}

func TestDecodeDataURL(t *testing.T) {
	mt, data, ok := decodeDataURL("data:image/png;base64,AAAA")
	assert.True(t, ok)
	assert.Equal(t, "image/png", mt)
	assert.Equal(t, "AAAA", data)

	_, _, ok = decodeDataURL("https://example.com/cat.png")
	assert.False(t, ok)
}

func TestBackendsKeepTheirOwnModel(t *testing.T) {
	req := stream.Request{Messages: []stream.Message{{Role: stream.RoleUser, Content: "hi"}}}

	claude := NewAnthropicBackend(BackendConfig{Name: "claude", APIKey: "k", Model: "claude-test"})
	anthropicParams, err := claude.buildParams(req)
	require.NoError(t, err)
	assert.Equal(t, "claude-test", string(anthropicParams.Model))

	gpt := NewOpenAIBackend(BackendConfig{Name: "gpt", APIKey: "k", Model: "gpt-test"})
	openaiParams, err := gpt.buildParams(req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", string(openaiParams.Model))
}
