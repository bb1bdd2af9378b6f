// Package agent 可持久化的工具调用循环
//
// 状态机：
//
//	Requesting → ExecutingTools → Requesting → ... → Converged
//	                                                 ↘ Failed
//
// 每轮模型请求是一个工作流步骤，流式增量在步骤内实时写入输出流；
// 同一轮的多个工具调用作为并行步骤执行，结果按调用顺序回填到消息历史。
// 重启恢复时已记录的轮次与工具调用直接重放，不再请求模型或沙箱。
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"app-builder/internal/llm"
	"app-builder/internal/shared/model"
	"app-builder/internal/tools"
	"app-builder/internal/workflow"
)

// State Agent 循环状态
type State string

const (
	StateRequesting     State = "requesting"
	StateExecutingTools State = "executing_tools"
	StateConverged      State = "converged"
	StateFailed         State = "failed"
)

const (
	DefaultMaxTurns          = 24
	DefaultCompletionRetries = 2
	DefaultRetryBackoff      = time.Second
)

// ErrMaxTurns 超过最大轮次仍未收敛
var ErrMaxTurns = errors.New("agent exceeded max turns")

// Toolset Agent 可调用的工具
type Toolset interface {
	Definitions() []llm.Tool
	Call(ctx context.Context, tc tools.TurnContext, name string, args json.RawMessage) (any, error)
}

// Config Agent 配置
type Config struct {
	Model       string
	System      string
	Temperature *float64
	Tools       Toolset

	MaxTurns          int
	CompletionRetries int
	RetryBackoff      time.Duration
}

// Agent 工具调用循环
type Agent struct {
	llm llm.Completer
	cfg Config
}

// New 创建 Agent
func New(completer llm.Completer, cfg Config) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.CompletionRetries < 0 {
		cfg.CompletionRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Agent{llm: completer, cfg: cfg}
}

// StreamOptions 一次循环的输入
//
// Messages 为空时由 UIMessages 转换得到。
type StreamOptions struct {
	Messages          []llm.Message
	UIMessages        []model.UIMessage
	CollectUIMessages bool
}

// Result 循环结束时的状态
type Result struct {
	State    State         `json:"state"`
	Turns    int           `json:"turns"`
	Text     string        `json:"text"`
	Messages []llm.Message `json:"messages"`
	// UIMessages 输入的 UI 消息加上本次生成的助手消息（CollectUIMessages 时填充）
	UIMessages []model.UIMessage `json:"uiMessages,omitempty"`
}

// Stream 运行循环直到收敛或失败
//
// 必须在工作流函数体内调用。失败时返回的 Result.State 为 StateFailed。
func (a *Agent) Stream(wc *workflow.Context, opts StreamOptions) (*Result, error) {
	log := wc.Logger()
	history := opts.Messages
	if len(history) == 0 {
		history = FromUIMessages(opts.UIMessages)
	}
	history = append([]llm.Message(nil), history...)

	res := &Result{State: StateRequesting}
	ui := newTranscript("msg-" + wc.RunID())

	if err := wc.Write(model.UIChunk{Type: model.ChunkStart, MessageID: ui.id}); err != nil {
		return a.failed(res, history, err)
	}

	for turn := 1; turn <= a.cfg.MaxTurns; turn++ {
		res.State = StateRequesting
		res.Turns = turn
		agentTurns.Inc()

		out, err := workflow.Step(wc, fmt.Sprintf("agent:turn:%d", turn), turnInput{Turn: turn, Messages: len(history)},
			func(sc *workflow.StepContext) (turnOutput, error) {
				return a.requestTurn(sc, turn, history)
			})
		if err != nil {
			log.WithError(err).Warn("Agent turn failed", "turn", turn)
			return a.failed(res, history, err)
		}

		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: out.Content, ToolCalls: out.ToolCalls})
		ui.addText(out.Content)
		if out.Content != "" {
			res.Text = out.Content
		}

		if len(out.ToolCalls) == 0 {
			res.State = StateConverged
			res.Messages = history
			if opts.CollectUIMessages {
				res.UIMessages = append(append([]model.UIMessage(nil), opts.UIMessages...), ui.message())
			}
			agentResults.WithLabelValues(string(StateConverged)).Inc()
			log.Info("Agent converged", "turns", turn)
			return res, nil
		}

		res.State = StateExecutingTools
		results, err := a.executeTools(wc, out.ToolCalls, history)
		if err != nil {
			return a.failed(res, history, err)
		}
		for i, call := range out.ToolCalls {
			r := results[i]
			history = append(history, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: r.content()})
			ui.addTool(call, r)
		}
	}

	log.Warn("Agent exceeded max turns", "max_turns", a.cfg.MaxTurns)
	return a.failed(res, history, fmt.Errorf("%w (%d)", ErrMaxTurns, a.cfg.MaxTurns))
}

func (a *Agent) failed(res *Result, history []llm.Message, err error) (*Result, error) {
	res.State = StateFailed
	res.Messages = history
	agentResults.WithLabelValues(string(StateFailed)).Inc()
	return res, err
}

// ============================================================================
// 工具执行
// ============================================================================

// toolResult 一次工具调用的结果，Error 非空表示失败
type toolResult struct {
	Output    json.RawMessage
	ErrorText string
}

func (r toolResult) content() string {
	if r.ErrorText != "" {
		b, _ := json.Marshal(map[string]string{"error": r.ErrorText})
		return string(b)
	}
	return string(r.Output)
}

// executeTools 并行执行一轮的全部工具调用
//
// 工具错误交还给模型，不终止循环；执行被挂起时返回 ctx 错误。
func (a *Agent) executeTools(wc *workflow.Context, calls []llm.ToolCall, history []llm.Message) ([]toolResult, error) {
	snapshot := append([]llm.Message(nil), history...)
	tasks := make([]workflow.Task[json.RawMessage], len(calls))
	for i, call := range calls {
		call := call
		tasks[i] = workflow.Task[json.RawMessage]{
			Name:  "tool:" + call.Function.Name,
			Input: call,
			Fn: func(sc *workflow.StepContext) (json.RawMessage, error) {
				return a.callTool(sc, call, snapshot)
			},
		}
	}

	outs, errs := workflow.All(wc, tasks)
	if err := wc.Err(); err != nil {
		return nil, err
	}

	results := make([]toolResult, len(calls))
	for i, call := range calls {
		chunk := model.UIChunk{ToolCallID: call.ID}
		if errs[i] != nil {
			results[i] = toolResult{ErrorText: errs[i].Error()}
			chunk.Type = model.ChunkToolOutputError
			chunk.ErrorText = errs[i].Error()
		} else {
			results[i] = toolResult{Output: outs[i]}
			chunk.Type = model.ChunkToolOutputAvailable
			chunk.Output = outs[i]
		}
		if err := wc.Write(chunk); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (a *Agent) callTool(sc *workflow.StepContext, call llm.ToolCall, history []llm.Message) (json.RawMessage, error) {
	if a.cfg.Tools == nil {
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Function.Name)
	}
	tc := tools.TurnContext{ToolCallID: call.ID, Messages: history}
	out, err := a.cfg.Tools.Call(sc, tc, call.Function.Name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", call.Function.Name, err)
	}
	return raw, nil
}

// toolInput 工具参数的 JSON 形式，非法 JSON 按字符串保留
func toolInput(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	b, _ := json.Marshal(args)
	return b
}
