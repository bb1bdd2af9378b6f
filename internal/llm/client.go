package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"app-builder/internal/config"
)

const (
	defaultBaseURL    = "https://api.openai.com"
	maxErrorBodyBytes = 2048
)

// Client OpenAI 兼容接口客户端
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var (
	_ Completer      = (*Client)(nil)
	_ ImageGenerator = (*Client)(nil)
)

// NewClient 创建客户端，httpClient 为 nil 时按 RequestTimeout 创建
func NewClient(cfg config.LLMConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{baseURL: baseURL, apiKey: cfg.APIKey, client: httpClient}
}

// ============================================================================
// 请求 / 响应载荷
// ============================================================================

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *streamError `json:"error"`
}

// streamError 流中途下发的错误帧
type streamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// ============================================================================
// StreamChat
// ============================================================================

// StreamChat 流式对话补全
//
// 文本增量与工具调用开始/参数增量通过 onDelta 实时回调；返回本轮完整结果。
// 流中途的错误帧，以及既无 [DONE] 也无 finish_reason 的截断流，返回 CompletionServiceError。
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (*ChatResponse, error) {
	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    withSystem(req.System, req.Messages),
		Tools:       req.Tools,
		Temperature: req.Temperature,
		Stream:      true,
	}
	resp, err := c.post(ctx, "chat", "/v1/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	type pendingCall struct {
		call  ToolCall
		index int
	}
	var (
		content      strings.Builder
		finishReason string
		done         bool
		calls        = map[int]*pendingCall{}
	)

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			done = true
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, &CompletionServiceError{Op: "chat", Type: chunk.Error.Type, Err: errors.New(chunk.Error.Message)}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				emit(onDelta, Delta{Kind: DeltaText, Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{index: tc.Index, call: ToolCall{ID: tc.ID, Type: "function"}}
					pc.call.Function.Name = tc.Function.Name
					calls[tc.Index] = pc
					emit(onDelta, Delta{Kind: DeltaToolCallStart, ToolCallID: tc.ID, ToolName: tc.Function.Name})
				} else {
					if pc.call.ID == "" {
						pc.call.ID = tc.ID
					}
					if pc.call.Function.Name == "" {
						pc.call.Function.Name = tc.Function.Name
					}
				}
				if tc.Function.Arguments != "" {
					pc.call.Function.Arguments += tc.Function.Arguments
					emit(onDelta, Delta{Kind: DeltaToolCallArgs, ToolCallID: pc.call.ID, Text: tc.Function.Arguments})
				}
			}
			if choice.FinishReason != nil {
				finishReason = *choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CompletionServiceError{Op: "chat", Err: fmt.Errorf("read stream: %w", err)}
	}
	if !done && finishReason == "" {
		return nil, &CompletionServiceError{Op: "chat", Err: fmt.Errorf("stream ended early: %w", io.ErrUnexpectedEOF)}
	}

	ordered := make([]*pendingCall, 0, len(calls))
	for _, pc := range calls {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	out := &ChatResponse{Content: content.String(), FinishReason: finishReason}
	for _, pc := range ordered {
		if pc.call.Function.Arguments == "" {
			pc.call.Function.Arguments = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, pc.call)
	}
	return out, nil
}

// ============================================================================
// GenerateObject
// ============================================================================

// GenerateObject 结构化输出，结果按 Schema 解码到 out
func (c *Client) GenerateObject(ctx context.Context, req ObjectRequest, out any) error {
	name := req.SchemaName
	if name == "" {
		name = "output"
	}
	payload := chatCompletionRequest{
		Model:       req.Model,
		Messages:    withSystem(req.System, []Message{{Role: RoleUser, Content: req.Prompt}}),
		Temperature: req.Temperature,
		ResponseFormat: &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Strict: true, Schema: req.Schema},
		},
	}
	resp, err := c.post(ctx, "object", "/v1/chat/completions", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return &CompletionServiceError{Op: "object", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return &CompletionServiceError{Op: "object", Err: errors.New("empty response")}
	}
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), out); err != nil {
		return &CompletionServiceError{Op: "object", Err: fmt.Errorf("response does not match schema: %w", err)}
	}
	return nil
}

// ============================================================================
// GenerateImage
// ============================================================================

// GenerateImage 生成一张图片，返回解码后的字节
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	payload := imageRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           req.Size,
		ResponseFormat: "b64_json",
	}
	resp, err := c.post(ctx, "image", "/v1/images/generations", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &CompletionServiceError{Op: "image", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, &CompletionServiceError{Op: "image", Err: errors.New("no image data")}
	}
	data, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, &CompletionServiceError{Op: "image", Err: fmt.Errorf("decode b64_json: %w", err)}
	}
	return data, nil
}

// ============================================================================
// 内部方法
// ============================================================================

// post 发送 JSON 请求，非 2xx 转换为 CompletionServiceError
func (c *Client) post(ctx context.Context, op, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CompletionServiceError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &CompletionServiceError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func withSystem(system string, messages []Message) []Message {
	if system == "" {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: system})
	return append(out, messages...)
}

func emit(onDelta func(Delta), d Delta) {
	if onDelta != nil {
		onDelta(d)
	}
}
