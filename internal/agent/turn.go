package agent

import (
	"fmt"
	"time"

	"app-builder/internal/llm"
	"app-builder/internal/shared/model"
	"app-builder/internal/workflow"
)

// turnInput 参与步骤输入哈希
type turnInput struct {
	Turn     int `json:"turn"`
	Messages int `json:"messages"`
}

// turnOutput 一轮模型请求的记录结果
type turnOutput struct {
	Content   string         `json:"content"`
	ToolCalls []llm.ToolCall `json:"toolCalls,omitempty"`
}

// requestTurn 请求一轮补全并实时转发增量，可重试错误按退避重试
func (a *Agent) requestTurn(sc *workflow.StepContext, turn int, history []llm.Message) (turnOutput, error) {
	req := llm.ChatRequest{
		Model:       a.cfg.Model,
		System:      a.cfg.System,
		Messages:    history,
		Temperature: a.cfg.Temperature,
	}
	if a.cfg.Tools != nil {
		req.Tools = a.cfg.Tools.Definitions()
	}

	if err := sc.Write(model.UIChunk{Type: model.ChunkStartStep}); err != nil {
		return turnOutput{}, err
	}

	for attempt := 0; ; attempt++ {
		em := &emitter{sc: sc, textID: fmt.Sprintf("txt-%d-%d", turn, attempt)}
		resp, err := a.llm.StreamChat(sc, req, em.onDelta)
		if err == nil {
			err = em.err
		}
		if err == nil {
			if err := em.finish(resp); err != nil {
				return turnOutput{}, err
			}
			return turnOutput{Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
		}

		em.abort()
		if attempt >= a.cfg.CompletionRetries || !llm.IsRetryable(err) || sc.Err() != nil {
			return turnOutput{}, err
		}
		backoff := a.cfg.RetryBackoff * time.Duration(attempt+1)
		sc.Logger().WithError(err).Warn("Completion failed, retrying", "attempt", attempt+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-sc.Done():
			return turnOutput{}, sc.Err()
		}
	}
}

// emitter 把模型增量转换为 UI 分片
type emitter struct {
	sc       *workflow.StepContext
	textID   string
	textOpen bool
	err      error
}

func (e *emitter) write(c model.UIChunk) {
	if e.err != nil {
		return
	}
	e.err = e.sc.Write(c)
}

func (e *emitter) onDelta(d llm.Delta) {
	switch d.Kind {
	case llm.DeltaText:
		if !e.textOpen {
			e.textOpen = true
			e.write(model.UIChunk{Type: model.ChunkTextStart, ID: e.textID})
		}
		e.write(model.UIChunk{Type: model.ChunkTextDelta, ID: e.textID, Delta: d.Text})
	case llm.DeltaToolCallStart:
		e.closeText()
		e.write(model.UIChunk{Type: model.ChunkToolInputStart, ToolCallID: d.ToolCallID, ToolName: d.ToolName})
	case llm.DeltaToolCallArgs:
		e.write(model.UIChunk{Type: model.ChunkToolInputDelta, ToolCallID: d.ToolCallID, InputTextDelta: d.Text})
	}
}

func (e *emitter) closeText() {
	if e.textOpen {
		e.textOpen = false
		e.write(model.UIChunk{Type: model.ChunkTextEnd, ID: e.textID})
	}
}

// finish 结束文本片段，发布完整的工具输入，结束本轮
func (e *emitter) finish(resp *llm.ChatResponse) error {
	e.closeText()
	for _, call := range resp.ToolCalls {
		e.write(model.UIChunk{
			Type:       model.ChunkToolInputAvailable,
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Input:      toolInput(call.Function.Arguments),
		})
	}
	e.write(model.UIChunk{Type: model.ChunkFinishStep})
	return e.err
}

// abort 失败的尝试只关闭已打开的文本片段
func (e *emitter) abort() {
	e.err = nil
	e.closeText()
}
