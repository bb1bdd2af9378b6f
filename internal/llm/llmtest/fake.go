// Package llmtest 脚本化的模型服务，供测试使用
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"app-builder/internal/llm"
)

// Turn 一轮 StreamChat 的预设结果
type Turn struct {
	Text      string
	ToolCalls []llm.ToolCall
	Err       error
}

// Fake 按顺序返回预设轮次的 Completer / ImageGenerator
//
// 轮次耗尽后返回文本 "done" 且不含工具调用。
type Fake struct {
	mu    sync.Mutex
	turns []Turn

	// ObjectFunc 处理 GenerateObject，返回值经 JSON 编码后解码到 out
	ObjectFunc func(req llm.ObjectRequest) (any, error)
	Image      []byte
	ImageErr   error

	ChatRequests   []llm.ChatRequest
	ObjectRequests []llm.ObjectRequest
	ImageRequests  []llm.ImageRequest
}

var (
	_ llm.Completer      = (*Fake)(nil)
	_ llm.ImageGenerator = (*Fake)(nil)
)

// New 创建脚本化模型
func New(turns ...Turn) *Fake {
	return &Fake{turns: turns}
}

// Push 追加轮次
func (f *Fake) Push(turns ...Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turns...)
}

// ChatCalls 已发生的 StreamChat 次数
func (f *Fake) ChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ChatRequests)
}

// StreamChat 返回下一个预设轮次，并按真实客户端的顺序回调增量
func (f *Fake) StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(llm.Delta)) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	f.ChatRequests = append(f.ChatRequests, req)
	turn := Turn{Text: "done"}
	if len(f.turns) > 0 {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	if onDelta != nil {
		if turn.Text != "" {
			half := len(turn.Text) / 2
			if half > 0 {
				onDelta(llm.Delta{Kind: llm.DeltaText, Text: turn.Text[:half]})
			}
			onDelta(llm.Delta{Kind: llm.DeltaText, Text: turn.Text[half:]})
		}
		for _, tc := range turn.ToolCalls {
			onDelta(llm.Delta{Kind: llm.DeltaToolCallStart, ToolCallID: tc.ID, ToolName: tc.Function.Name})
			onDelta(llm.Delta{Kind: llm.DeltaToolCallArgs, ToolCallID: tc.ID, Text: tc.Function.Arguments})
		}
	}

	resp := &llm.ChatResponse{Content: turn.Text, ToolCalls: turn.ToolCalls, FinishReason: "stop"}
	if len(turn.ToolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

// GenerateObject 调用 ObjectFunc
func (f *Fake) GenerateObject(ctx context.Context, req llm.ObjectRequest, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.ObjectRequests = append(f.ObjectRequests, req)
	fn := f.ObjectFunc
	f.mu.Unlock()

	if fn == nil {
		return &llm.CompletionServiceError{Op: "object", Err: errors.New("no object handler")}
	}
	v, err := fn(req)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// GenerateImage 返回预设图片
func (f *Fake) GenerateImage(ctx context.Context, req llm.ImageRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ImageRequests = append(f.ImageRequests, req)
	if f.ImageErr != nil {
		return nil, f.ImageErr
	}
	return f.Image, nil
}

// Call 构造工具调用，args 编码为 JSON 参数
func Call(id, name string, args any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolCallFunction{Name: name, Arguments: string(raw)}}
}
