// Package llm OpenAI 兼容的模型服务客户端
//
// 覆盖三类请求：
//   - StreamChat：流式对话补全，可携带工具定义，增量通过回调实时转发
//   - GenerateObject：结构化输出（response_format=json_schema）
//   - GenerateImage：图片生成（b64_json）
//
// HTTP 客户端通过构造参数注入，不读取进程级全局状态。
package llm

import (
	"context"
	"encoding/json"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 对话消息，可携带工具调用或工具结果
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Tool 函数工具定义
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef 函数描述
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// NewFunctionTool 构造函数工具
func NewFunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{Type: "function", Function: FunctionDef{Name: name, Description: description, Parameters: parameters}}
}

// ToolCall 模型请求的工具调用
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction 工具名与 JSON 参数
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest 对话补全请求
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature *float64
}

// ChatResponse 一轮补全的完整结果
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// DeltaKind 流式增量类型
type DeltaKind int

const (
	// DeltaText 文本增量
	DeltaText DeltaKind = iota
	// DeltaToolCallStart 新的工具调用开始（ID 与名称已知）
	DeltaToolCallStart
	// DeltaToolCallArgs 工具调用参数增量
	DeltaToolCallArgs
)

// Delta 流式增量
type Delta struct {
	Kind       DeltaKind
	Text       string
	ToolCallID string
	ToolName   string
}

// ObjectRequest 结构化输出请求
type ObjectRequest struct {
	Model       string
	System      string
	Prompt      string
	SchemaName  string
	Schema      json.RawMessage
	Temperature *float64
}

// ImageRequest 图片生成请求
type ImageRequest struct {
	Model  string
	Prompt string
	Size   string
}

// Completer 对话与结构化输出能力
type Completer interface {
	StreamChat(ctx context.Context, req ChatRequest, onDelta func(Delta)) (*ChatResponse, error)
	GenerateObject(ctx context.Context, req ObjectRequest, out any) error
}

// ImageGenerator 图片生成能力
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error)
}

// Float 返回 v 的指针
func Float(v float64) *float64 { return &v }
