package model

import "encoding/json"

// UIMessage 面向渲染的消息（客户端提交、Agent 可选收集）
//
// Parts 按顺序包含文本片段与工具调用片段：
//   - {"type":"text","text":"..."}
//   - {"type":"tool-<name>","toolCallId":"...","state":"output-available","input":{...},"output":{...}}
type UIMessage struct {
	ID       string          `json:"id"`
	Role     MessageRole     `json:"role"`
	Parts    []UIPart        `json:"parts"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// UIPart 消息片段
type UIPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
}

// 工具片段状态
const (
	ToolStateInputAvailable  = "input-available"
	ToolStateOutputAvailable = "output-available"
	ToolStateOutputError     = "output-error"
)

// Text 拼接所有文本片段
func (m *UIMessage) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == "text" {
			s += p.Text
		}
	}
	return s
}

// LatestByRole 返回最后一条指定角色的消息
func LatestByRole(messages []UIMessage, role MessageRole) (UIMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i], true
		}
	}
	return UIMessage{}, false
}
