package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/oapi-codegen/runtime"

	"app-builder/internal/appflow"
	"app-builder/internal/workflow"
)

// HeaderRunID 响应头：执行 ID
const HeaderRunID = "x-workflow-run-id"

// ============================================================================
// 工作流启动
// ============================================================================

// StartBuild 启动构建
//
// 路由: POST /api/build
//
// 请求体: {"title": "...", "description": "...", "terminate": false}
//
// 响应: UI 消息流（text/event-stream），头部携带执行 ID
func (h *Handler) StartBuild(w http.ResponseWriter, r *http.Request) {
	var args appflow.BuildArgs
	if err := decodeJSON(r, &args, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := args.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.startAndStream(w, r, appflow.WorkflowBuild, args)
}

// StartRemix 在已有沙箱上继续修改
//
// 路由: POST /api/remix
//
// 请求体: {"sandboxId": "...", "messages": [UIMessage...]}
func (h *Handler) StartRemix(w http.ResponseWriter, r *http.Request) {
	var args appflow.RemixArgs
	if err := decodeJSON(r, &args, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := args.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.startAndStream(w, r, appflow.WorkflowRemix, args)
}

// StartChat 普通对话
//
// 路由: POST /api/chat
//
// 请求体: {"messages": [UIMessage...]}
func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	var args appflow.ChatArgs
	if err := decodeJSON(r, &args, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := args.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.startAndStream(w, r, appflow.WorkflowChat, args)
}

func (h *Handler) startAndStream(w http.ResponseWriter, r *http.Request, name string, args any) {
	handle, err := h.engine.Start(r.Context(), name, args)
	if err != nil {
		if errors.Is(err, workflow.ErrEngineClosed) {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		h.logger.WithError(err).Error("Failed to start workflow", "workflow", name)
		writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	h.writeUIStream(w, handle.RunID, handle.Readable)
}

// ============================================================================
// 输出流恢复
// ============================================================================

// ResumeStream 从指定序号恢复输出流
//
// 路由: GET /api/chat/{id}/stream?startIndex=N
//
// startIndex 缺省为 0，非数字或负数同样从 0 开始；超过当前分片数时先得到空批次，随后继续接收实时分片。
// 执行已结束时返回剩余历史后关闭。
//
// 错误响应:
//   - 400 Bad Request: startIndex 重复出现
//   - 404 Not Found: 执行不存在
func (h *Handler) ResumeStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	start, err := bindStartIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	h.writeUIStream(w, run.ID, run.Readable(r.Context(), start))
}

// bindStartIndex 解析可选的 startIndex 查询参数
//
// 按前导整数宽松解析："12abc" 为 12，非数字或负数从 0 开始。
func bindStartIndex(r *http.Request) (int64, error) {
	var raw *string
	if err := runtime.BindQueryParameter("form", true, false, "startIndex", r.URL.Query(), &raw); err != nil {
		return 0, fmt.Errorf("invalid startIndex: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return parseStartIndex(*raw), nil
}

var leadingInt = regexp.MustCompile(`^\s*[+-]?\d+`)

func parseStartIndex(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(leadingInt.FindString(raw)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.logger.WithError(err).Error("Failed to load run")
	writeError(w, http.StatusInternalServerError, "failed to get run")
}

// writeUIStream 以 SSE 写出 UI 消息流
//
// 每个分片一条 data 事件，流结束时写 [DONE]。
func (h *Handler) writeUIStream(w http.ResponseWriter, runID string, s *workflow.Stream) {
	defer s.Close()
	h.metrics.StreamOpened("sse")
	defer h.metrics.StreamClosed("sse")

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("x-vercel-ai-ui-message-stream", "v1")
	header.Set(HeaderRunID, runID)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	for c := range s.Chunks() {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", c.Payload); err != nil {
			return
		}
		rc.Flush()
		h.metrics.RecordChunk("sse")
	}
	if err := s.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.WithRunID(runID).WithError(err).Warn("Run stream ended with error")
		}
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	rc.Flush()
}
