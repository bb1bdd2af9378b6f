package server

import (
	"errors"
	"net/http"

	"app-builder/internal/appflow"
)

// GenerateIdeas 根据提示生成应用点子
//
// 路由: POST /api/tasker
//
// 请求体: {"prompt": "fitness"}
//
// 响应: [{"title": "...", "description": "..."}]
//
// 错误响应:
//   - 400 Bad Request: prompt 为空（"Missing prompt"）
//   - 502 Bad Gateway: 模型服务失败
func (h *Handler) GenerateIdeas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ideas, err := h.flows.GenerateIdeas(r.Context(), req.Prompt)
	if err != nil {
		if errors.Is(err, appflow.ErrMissingPrompt) {
			writeError(w, http.StatusBadRequest, "Missing prompt")
			return
		}
		h.logger.WithError(err).Error("Failed to generate ideas")
		writeError(w, http.StatusBadGateway, "failed to generate ideas")
		return
	}
	if ideas == nil {
		ideas = []appflow.Idea{}
	}
	writeJSON(w, http.StatusOK, ideas)
}
