package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/config"
	"app-builder/internal/shared/errkind"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.LLMConfig{BaseURL: srv.URL, APIKey: "sk-test"}, srv.Client())
}

func TestStreamChat_TextAndToolCalls(t *testing.T) {
	var got chatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"createFile","arguments":""}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"runCommand","arguments":"{\"command\":"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []Delta
	resp, err := c.StreamChat(context.Background(), ChatRequest{
		Model:       "gpt-test",
		System:      "be brief",
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		Tools:       []Tool{NewFunctionTool("runCommand", "run", json.RawMessage(`{"type":"object"}`))},
		Temperature: Float(0.5),
	}, func(d Delta) { deltas = append(deltas, d) })
	require.NoError(t, err)

	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, 0.5, *got.Temperature)

	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_a", resp.ToolCalls[0].ID)
	assert.Equal(t, `{"command":"ls"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "createFile", resp.ToolCalls[1].Function.Name)
	assert.Equal(t, "{}", resp.ToolCalls[1].Function.Arguments)

	var kinds []DeltaKind
	for _, d := range deltas {
		kinds = append(kinds, d.Kind)
	}
	assert.Equal(t, []DeltaKind{DeltaText, DeltaText, DeltaToolCallStart, DeltaToolCallStart, DeltaToolCallArgs, DeltaToolCallArgs}, kinds)
}

func TestStreamChat_HTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	})
	_, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, nil)
	var ce *CompletionServiceError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusServiceUnavailable, ce.Status)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "CompletionServiceError", errkind.Of(err))
}

func TestStreamChat_ErrorFrameMidStream(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		retryable bool
	}{
		{"server error", `{"error":{"message":"server overloaded","type":"server_error"}}`, true},
		{"invalid request", `{"error":{"message":"context too long","type":"invalid_request_error"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"I will start by\"}}]}\n\n")
				fmt.Fprintf(w, "data: %s\n\n", tt.frame)
			})

			resp, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, nil)
			assert.Nil(t, resp)
			var ce *CompletionServiceError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "chat", ce.Op)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestStreamChat_TruncatedStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"createFile","arguments":"{\"path\":\"a.ts"}}]}}]}`+"\n\n")
	})

	resp, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, nil)
	assert.Nil(t, resp)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.True(t, IsRetryable(err))
}

func TestStreamChat_FinishReasonFromProvider(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"index":0,"delta":{"content":"ok"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Empty(t, resp.FinishReason)
}

func TestCompletionServiceError_Retryable(t *testing.T) {
	assert.False(t, (&CompletionServiceError{Status: http.StatusBadRequest}).Retryable())
	assert.True(t, (&CompletionServiceError{Status: http.StatusTooManyRequests}).Retryable())
	assert.True(t, (&CompletionServiceError{}).Retryable())
	assert.False(t, (&CompletionServiceError{Type: "invalid_request_error"}).Retryable())

	restored := errkind.Rebuild("CompletionServiceError", "completion service chat failed (400): bad")
	assert.EqualError(t, restored, "completion service chat failed (400): bad")
	assert.False(t, IsRetryable(restored))
}

func TestGenerateObject(t *testing.T) {
	var got chatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": `{"content":"package main\n"}`},
				"finish_reason": "stop",
			}},
		})
	})

	var out struct {
		Content string `json:"content"`
	}
	err := c.GenerateObject(context.Background(), ObjectRequest{
		Model:      "gpt-test",
		Prompt:     "write main.go",
		SchemaName: "file",
		Schema:     json.RawMessage(`{"type":"object"}`),
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", out.Content)

	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Equal(t, "file", got.ResponseFormat.JSONSchema.Name)
	assert.False(t, got.Stream)
}

func TestGenerateObject_SchemaMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"not json"}}]}`))
	})
	var out map[string]any
	err := c.GenerateObject(context.Background(), ObjectRequest{Model: "m", Prompt: "p"}, &out)
	var ce *CompletionServiceError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Status)
}

func TestGenerateImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	var got imageRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	data, err := c.GenerateImage(context.Background(), ImageRequest{Model: "dall-e-3", Prompt: "a cat", Size: "1024x1024"})
	require.NoError(t, err)
	assert.Equal(t, png, data)
	assert.Equal(t, "b64_json", got.ResponseFormat)
	assert.Equal(t, 1, got.N)
}
