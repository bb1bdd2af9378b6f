// Package server HTTP 路由配置与处理函数
//
// 文件组织：
//   - handler.go: Handler 定义与路由
//   - common.go: 通用工具函数
//   - workflows.go: 工作流启动与输出流恢复（SSE）
//   - websocket.go: 输出流恢复（WebSocket）
//   - sandbox.go: 沙箱 API
//   - records.go: 项目、沙箱、会话、消息与执行查询
//   - tasker.go: 应用点子生成
//   - openapi.go: 契约加载、请求校验与契约导出
//   - metrics.go: Prometheus 指标
package server

import (
	"net/http"

	"app-builder/internal/appflow"
	"app-builder/internal/config"
	"app-builder/internal/sandbox"
	"app-builder/internal/shared/objstore"
	"app-builder/internal/shared/storage"
	"app-builder/internal/workflow"
	"app-builder/pkg/logging"
)

// Options Handler 依赖
type Options struct {
	Engine   *workflow.Engine
	Flows    *appflow.Flows
	Records  storage.RecordStore
	Sandbox  sandbox.Client
	Objects  objstore.Store
	Defaults config.SandboxDefaults
	// ValidateRequests 按 OpenAPI 契约校验请求
	ValidateRequests bool
	Logger           *logging.Logger
	Metrics          *Metrics
}

// Handler API 处理器
type Handler struct {
	engine   *workflow.Engine
	flows    *appflow.Flows
	records  storage.RecordStore
	sandbox  sandbox.Client
	objects  objstore.Store
	defaults config.SandboxDefaults

	contract *Contract
	validate bool
	logger   *logging.Logger
	metrics  *Metrics
}

// NewHandler 创建 Handler 实例，契约加载失败时返回错误
func NewHandler(opts Options) (*Handler, error) {
	contract, err := LoadContract()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("api")
	}
	if opts.Metrics == nil {
		opts.Metrics = DefaultMetrics()
	}
	return &Handler{
		engine:   opts.Engine,
		flows:    opts.Flows,
		records:  opts.Records,
		sandbox:  opts.Sandbox,
		objects:  opts.Objects,
		defaults: opts.Defaults,
		contract: contract,
		validate: opts.ValidateRequests,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET  /health
//   - GET  /metrics
//   - GET  /api/openapi.json
//
// 工作流（响应为 UI 消息流，头部 x-workflow-run-id 携带执行 ID）:
//   - POST /api/build                - 构建应用
//   - POST /api/remix                - 在已有沙箱上继续修改
//   - POST /api/chat                 - 普通对话
//   - GET  /api/chat/{id}/stream     - 从 startIndex 恢复输出流
//   - GET  /api/runs/{id}            - 查询执行
//   - GET  /ws/runs/{id}/stream      - WebSocket 恢复输出流
//
// 沙箱:
//   - POST /api/sandbox/create
//   - POST /api/sandbox/exec
//   - POST /api/sandbox/terminate
//
// 记录查询:
//   - GET  /api/projects
//   - GET  /api/projects/{id}
//   - GET  /api/sandboxes?status=
//   - GET  /api/sandboxes/{id}/projects
//   - GET  /api/sandboxes/{id}/chats
//   - GET  /api/chats/{id}/messages
//
// 其他:
//   - POST /api/tasker               - 生成应用点子
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())
	mux.HandleFunc("GET /api/openapi.json", h.OpenAPIJSON)

	mux.HandleFunc("POST /api/build", h.StartBuild)
	mux.HandleFunc("POST /api/remix", h.StartRemix)
	mux.HandleFunc("POST /api/chat", h.StartChat)
	mux.HandleFunc("GET /api/chat/{id}/stream", h.ResumeStream)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)

	mux.HandleFunc("POST /api/sandbox/create", h.CreateSandbox)
	mux.HandleFunc("POST /api/sandbox/exec", h.ExecSandbox)
	mux.HandleFunc("POST /api/sandbox/terminate", h.TerminateSandbox)

	mux.HandleFunc("GET /api/projects", h.ListProjects)
	mux.HandleFunc("GET /api/projects/{id}", h.GetProject)
	mux.HandleFunc("GET /api/sandboxes", h.ListSandboxes)
	mux.HandleFunc("GET /api/sandboxes/{id}/projects", h.ListProjectsBySandbox)
	mux.HandleFunc("GET /api/sandboxes/{id}/chats", h.ListChatsBySandbox)
	mux.HandleFunc("GET /api/chats/{id}/messages", h.ListMessagesByChat)

	mux.HandleFunc("POST /api/tasker", h.GenerateIdeas)

	var api http.Handler = mux
	if h.validate {
		api = h.contract.ValidationMiddleware(api)
	}
	api = h.metrics.MetricsMiddleware(api)
	api = corsMiddleware(api)

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/runs/{id}/stream", h.StreamWebSocket)
	topMux.Handle("/", api)
	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", HeaderRunID)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
