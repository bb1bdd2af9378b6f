// Package appflow 应用构建相关的工作流
//
// 注册到工作流引擎的工作流：
//   - build-app：创建沙箱 → 创建项目与沙箱记录 → 缩略图入队 → coding → 编码 Agent → finished
//   - remix-app：在已有沙箱上继续对话式修改，保存会话消息
//   - chat：无工具的通用助手
//
// 另提供同步的应用创意生成（Tasker）与缩略图后台任务处理（Thumbnailer）。
package appflow

import (
	"app-builder/internal/agent"
	"app-builder/internal/config"
	"app-builder/internal/llm"
	"app-builder/internal/sandbox"
	"app-builder/internal/shared/queue"
	"app-builder/internal/shared/storage"
	"app-builder/internal/tools"
	"app-builder/internal/workflow"
	"app-builder/pkg/logging"
)

// 工作流名称
const (
	WorkflowBuild = "build-app"
	WorkflowRemix = "remix-app"
	WorkflowChat  = "chat"
)

const (
	defaultCodingTemperature = 0.5
	chatSystemPrompt         = "You are a helpful assistant."
)

// Deps 工作流依赖
type Deps struct {
	Sandbox sandbox.Client
	Records storage.RecordStore
	Model   llm.Completer
	// Jobs 为 nil 时不生成缩略图
	Jobs     queue.JobQueue
	LLM      config.LLMConfig
	Agent    config.AgentConfig
	Defaults config.SandboxDefaults
	Logger   *logging.Logger
}

// Flows 工作流集合
type Flows struct {
	deps Deps
	log  *logging.Logger
}

// New 创建工作流集合
func New(deps Deps) *Flows {
	if deps.Logger == nil {
		deps.Logger = logging.Default("appflow")
	}
	return &Flows{deps: deps, log: deps.Logger}
}

// Register 注册全部工作流
func (f *Flows) Register(e *workflow.Engine) {
	e.Register(WorkflowBuild, f.buildApp)
	e.Register(WorkflowRemix, f.remixApp)
	e.Register(WorkflowChat, f.chat)
}

// codingAgent 绑定到沙箱的编码 Agent
func (f *Flows) codingAgent(wc *workflow.Context, sandboxID string) *agent.Agent {
	temp := f.deps.LLM.Temperature
	if temp == 0 {
		temp = defaultCodingTemperature
	}
	toolset := tools.New(tools.Options{
		SandboxID: sandboxID,
		Sandbox:   f.deps.Sandbox,
		Model:     f.deps.Model,
		ModelName: f.deps.LLM.CodingModel,
		Timeout:   f.deps.Agent.ToolTimeout,
		Logger:    wc.Logger(),
	})
	return agent.New(f.deps.Model, agent.Config{
		Model:             f.deps.LLM.CodingModel,
		System:            codingSystemPrompt,
		Temperature:       llm.Float(temp),
		Tools:             toolset,
		MaxTurns:          f.deps.Agent.MaxTurns,
		CompletionRetries: f.deps.Agent.CompletionRetries,
	})
}
