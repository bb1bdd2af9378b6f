package model

import "encoding/json"

// UI 消息流分片类型
const (
	ChunkStart               = "start"
	ChunkStartStep           = "start-step"
	ChunkTextStart           = "text-start"
	ChunkTextDelta           = "text-delta"
	ChunkTextEnd             = "text-end"
	ChunkToolInputStart      = "tool-input-start"
	ChunkToolInputDelta      = "tool-input-delta"
	ChunkToolInputAvailable  = "tool-input-available"
	ChunkToolOutputAvailable = "tool-output-available"
	ChunkToolOutputError     = "tool-output-error"
	ChunkFinishStep          = "finish-step"
	ChunkFinish              = "finish"
	ChunkError               = "error"
	// ChunkDataPrefix 自定义数据分片前缀，如 data-sandbox、data-status
	ChunkDataPrefix = "data-"
)

// UIChunk 输出流分片载荷（客户端按 UI 消息流协议渲染）
type UIChunk struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorText      string          `json:"errorText,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// DataChunk 构造自定义数据分片
func DataChunk(name string, data any) UIChunk {
	raw, _ := json.Marshal(data)
	return UIChunk{Type: ChunkDataPrefix + name, Data: raw}
}
