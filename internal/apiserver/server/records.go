package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"app-builder/internal/shared/model"
)

// ============================================================================
// 项目
// ============================================================================

// ListProjects 列出项目（按创建时间倒序）
//
// 路由: GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.records.ListProjects(r.Context())
	if err != nil {
		h.writeStoreError(w, err, "projects")
		return
	}
	h.writeProjects(w, r, projects)
}

// GetProject 获取项目
//
// 路由: GET /api/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.records.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "project")
		return
	}
	h.attachImageURL(r, p)
	writeJSON(w, http.StatusOK, p)
}

// ListProjectsBySandbox 列出沙箱记录关联的项目
//
// 路由: GET /api/sandboxes/{id}/projects
func (h *Handler) ListProjectsBySandbox(w http.ResponseWriter, r *http.Request) {
	projects, err := h.records.ListProjectsBySandbox(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "projects")
		return
	}
	h.writeProjects(w, r, projects)
}

func (h *Handler) writeProjects(w http.ResponseWriter, r *http.Request, projects []*model.Project) {
	if projects == nil {
		projects = []*model.Project{}
	}
	for _, p := range projects {
		h.attachImageURL(r, p)
	}
	writeJSON(w, http.StatusOK, projects)
}

// attachImageURL 有缩略图时填充可访问地址，失败只记录日志
func (h *Handler) attachImageURL(r *http.Request, p *model.Project) {
	if p.Image == nil || *p.Image == "" || h.objects == nil {
		return
	}
	url, err := h.objects.URL(r.Context(), *p.Image)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to resolve project image URL", "project_id", p.ID)
		return
	}
	p.ImageURL = url
}

// ============================================================================
// 沙箱记录
// ============================================================================

// ListSandboxes 列出沙箱记录，可按编码状态过滤
//
// 路由: GET /api/sandboxes?status=started|coding|finished
func (h *Handler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	var status *string
	if err := runtime.BindQueryParameter("form", true, false, "status", r.URL.Query(), &status); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	var (
		sandboxes []*model.Sandbox
		err       error
	)
	if status == nil || *status == "" {
		sandboxes, err = h.records.ListSandboxes(r.Context())
	} else {
		s := model.AgentCodingStatus(*status)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		sandboxes, err = h.records.ListSandboxesByStatus(r.Context(), s)
	}
	if err != nil {
		h.writeStoreError(w, err, "sandboxes")
		return
	}
	if sandboxes == nil {
		sandboxes = []*model.Sandbox{}
	}
	writeJSON(w, http.StatusOK, sandboxes)
}

// ============================================================================
// 会话与消息
// ============================================================================

// ListChatsBySandbox 列出沙箱的会话
//
// 路由: GET /api/sandboxes/{id}/chats
func (h *Handler) ListChatsBySandbox(w http.ResponseWriter, r *http.Request) {
	chats, err := h.records.ListChatsBySandbox(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "chats")
		return
	}
	if chats == nil {
		chats = []*model.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// ListMessagesByChat 按创建顺序列出会话消息
//
// 路由: GET /api/chats/{id}/messages
func (h *Handler) ListMessagesByChat(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.records.ListMessagesByChat(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "messages")
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ============================================================================
// 执行
// ============================================================================

// RunDetail 执行详情
type RunDetail struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	Status     model.RunStatus `json:"status"`
	Error      *string         `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ChunkCount int64           `json:"chunkCount"`
	Steps      []StepSummary   `json:"steps"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// StepSummary 步骤摘要
type StepSummary struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// GetRun 查询执行状态与已记录步骤
//
// 路由: GET /api/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := h.engine.GetRun(ctx, r.PathValue("id"))
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	steps, err := run.Steps(ctx)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	count, err := run.ChunkCount(ctx)
	if err != nil {
		h.writeRunError(w, err)
		return
	}

	detail := RunDetail{
		ID:         run.ID,
		Workflow:   run.Workflow,
		Status:     run.Status,
		Error:      run.Error,
		Output:     run.Output,
		ChunkCount: count,
		Steps:      make([]StepSummary, 0, len(steps)),
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, s := range steps {
		sum := StepSummary{Index: s.StepIndex, Name: s.StepName}
		if s.Error != nil {
			sum.Error = s.Error.Message
		}
		detail.Steps = append(detail.Steps, sum)
	}
	writeJSON(w, http.StatusOK, detail)
}
