package agent

import (
	"encoding/json"
	"strings"

	"app-builder/internal/llm"
	"app-builder/internal/shared/model"
)

// transcript 收集本次循环生成的助手 UI 消息
type transcript struct {
	id    string
	parts []model.UIPart
}

func newTranscript(id string) *transcript {
	return &transcript{id: id}
}

func (t *transcript) addText(text string) {
	if text == "" {
		return
	}
	t.parts = append(t.parts, model.UIPart{Type: "text", Text: text})
}

func (t *transcript) addTool(call llm.ToolCall, r toolResult) {
	p := model.UIPart{
		Type:       "tool-" + call.Function.Name,
		ToolCallID: call.ID,
		Input:      toolInput(call.Function.Arguments),
	}
	if r.ErrorText != "" {
		p.State = model.ToolStateOutputError
		p.ErrorText = r.ErrorText
	} else {
		p.State = model.ToolStateOutputAvailable
		p.Output = r.Output
	}
	t.parts = append(t.parts, p)
}

func (t *transcript) message() model.UIMessage {
	parts := t.parts
	if parts == nil {
		parts = []model.UIPart{}
	}
	return model.UIMessage{ID: t.id, Role: model.RoleAssistant, Parts: parts}
}

// FromUIMessages 把 UI 消息转换为模型消息
//
// 文本片段合并为消息内容；已有输出的工具片段展开为助手工具调用与对应的工具结果，
// 未完成的工具片段丢弃。
func FromUIMessages(messages []model.UIMessage) []llm.Message {
	var out []llm.Message
	for _, m := range messages {
		var (
			text    strings.Builder
			calls   []llm.ToolCall
			results []llm.Message
		)
		for _, p := range m.Parts {
			switch {
			case p.Type == "text":
				text.WriteString(p.Text)
			case strings.HasPrefix(p.Type, "tool-") && m.Role == model.RoleAssistant:
				var content string
				switch p.State {
				case model.ToolStateOutputAvailable:
					content = string(p.Output)
				case model.ToolStateOutputError:
					b, _ := json.Marshal(map[string]string{"error": p.ErrorText})
					content = string(b)
				default:
					continue
				}
				args := string(p.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, llm.ToolCall{
					ID:       p.ToolCallID,
					Type:     "function",
					Function: llm.ToolCallFunction{Name: strings.TrimPrefix(p.Type, "tool-"), Arguments: args},
				})
				results = append(results, llm.Message{Role: llm.RoleTool, ToolCallID: p.ToolCallID, Content: content})
			}
		}
		if text.Len() == 0 && len(calls) == 0 {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: text.String(), ToolCalls: calls})
		out = append(out, results...)
	}
	return out
}
