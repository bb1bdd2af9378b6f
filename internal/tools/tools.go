// Package tools 绑定到单个沙箱的 Agent 工具集
//
// 三个工具：
//   - runCommand：原样转发到沙箱 exec，非零退出码是正常结果
//   - createFile：模型生成完整文件内容后安全写入
//   - updateFile：读取现有内容，模型只追加所需改动后整体写回
//
// 文件类工具在同一沙箱内串行执行（见 lockFor），runCommand 不加锁。
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"app-builder/internal/llm"
	"app-builder/internal/sandbox"
	"app-builder/pkg/logging"
)

// 工具名称
const (
	ToolRunCommand = "runCommand"
	ToolCreateFile = "createFile"
	ToolUpdateFile = "updateFile"
)

// ErrUnknownTool 模型请求了未注册的工具
var ErrUnknownTool = errors.New("unknown tool")

// TurnContext 一次工具调用可见的对话上下文
//
// Messages 为调用发生时的完整消息历史，文件生成类提示词据此理解意图。
type TurnContext struct {
	ToolCallID string
	Messages   []llm.Message
}

// Transcript 消息历史的 JSON 形式，用于拼接提示词
func (tc TurnContext) Transcript() string {
	if len(tc.Messages) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tc.Messages)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Options 工具集构造参数
type Options struct {
	SandboxID string
	Sandbox   sandbox.Client
	Model     llm.Completer
	// ModelName 文件内容生成使用的模型
	ModelName string
	// Timeout 未指定 timeoutMs 时的命令超时，0 表示交给沙箱提供方决定
	Timeout time.Duration
	Logger  *logging.Logger
}

// Set 绑定到一个沙箱的工具集
type Set struct {
	sandboxID string
	sandbox   sandbox.Client
	model     llm.Completer
	modelName string
	timeout   time.Duration
	logger    *logging.Logger
}

// New 创建工具集
func New(opts Options) *Set {
	if opts.Logger == nil {
		opts.Logger = logging.Default("tools")
	}
	return &Set{
		sandboxID: opts.SandboxID,
		sandbox:   opts.Sandbox,
		model:     opts.Model,
		modelName: opts.ModelName,
		timeout:   opts.Timeout,
		logger:    opts.Logger.WithSandbox(opts.SandboxID),
	}
}

// SandboxID 绑定的沙箱
func (s *Set) SandboxID() string { return s.sandboxID }

// Definitions 提供给模型的工具定义
func (s *Set) Definitions() []llm.Tool {
	return Definitions
}

// Call 执行一次工具调用
//
// 返回值为可 JSON 编码的工具结果；参数非法、写入失败、文件不存在等返回 error，
// 由调用方作为失败的工具结果交还给模型。
func (s *Set) Call(ctx context.Context, tc TurnContext, name string, args json.RawMessage) (any, error) {
	started := time.Now()
	var (
		out any
		err error
	)
	switch name {
	case ToolRunCommand:
		out, err = s.runCommand(ctx, args)
	case ToolCreateFile:
		out, err = s.createFile(ctx, tc, args)
	case ToolUpdateFile:
		out, err = s.updateFile(ctx, tc, args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	observeCall(name, started, err)
	return out, err
}

// ============================================================================
// 工具定义
// ============================================================================

// Definitions 工具 JSON Schema
var Definitions = []llm.Tool{
	llm.NewFunctionTool(ToolRunCommand, "Run a command inside the sandbox", json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1, "description": "Executable to run"},
			"args": {"type": "array", "items": {"type": "string"}, "description": "Arguments passed to the command"},
			"workdir": {"type": "string", "description": "Working directory, defaults to the app root"},
			"timeoutMs": {"type": "integer", "exclusiveMinimum": 0}
		},
		"required": ["command"]
	}`)),
	llm.NewFunctionTool(ToolCreateFile, "Create or overwrite a file in the sandbox", json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1, "description": "The path to create the file at"},
			"prompt": {"type": "string", "description": "The prompt to create the file with"},
			"timeoutMs": {"type": "integer", "exclusiveMinimum": 0}
		},
		"required": ["path", "prompt"]
	}`)),
	llm.NewFunctionTool(ToolUpdateFile, "Update an existing file in the sandbox", json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"prompt": {"type": "string", "description": "The prompt to update the file with"},
			"createIfMissing": {"type": "boolean"},
			"timeoutMs": {"type": "integer", "exclusiveMinimum": 0}
		},
		"required": ["path", "prompt"]
	}`)),
}

// ============================================================================
// 公共辅助
// ============================================================================

// fileLocks 每个沙箱一把文件写锁
var fileLocks sync.Map

func lockFor(sandboxID string) *sync.Mutex {
	mu, _ := fileLocks.LoadOrStore(sandboxID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ReleaseSandbox 沙箱终止后丢弃其文件写锁
func ReleaseSandbox(sandboxID string) {
	fileLocks.Delete(sandboxID)
}

func decodeArgs(name string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &InvalidArgumentsError{Tool: name, Reason: err.Error()}
	}
	return nil
}

func (s *Set) execTimeoutMs(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	return s.timeout.Milliseconds()
}

func (s *Set) exec(ctx context.Context, command []string, workdir string, timeoutMs int64) (*sandbox.ExecResult, error) {
	started := time.Now()
	res, err := s.sandbox.Exec(ctx, sandbox.ExecRequest{
		SandboxID: s.sandboxID,
		Command:   command,
		Workdir:   workdir,
		TimeoutMs: s.execTimeoutMs(timeoutMs),
	})
	execDuration.Observe(time.Since(started).Seconds())
	return res, err
}
