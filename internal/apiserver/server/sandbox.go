package server

import (
	"errors"
	"net/http"
	"strings"

	"app-builder/internal/sandbox"
	"app-builder/internal/tools"
)

// CreateSandbox 创建沙箱
//
// 路由: POST /api/sandbox/create
//
// 请求体（均可选）: {appName, image, workdir, command, encryptedPorts, timeoutMs}
//
// 响应: {"sandboxId": "...", "url": "...", "expiryDate": 1700000000000}
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	var spec sandbox.CreateSpec
	if err := decodeJSON(r, &spec, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCreateSpec(spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle, err := h.sandbox.Create(r.Context(), spec.WithDefaults(h.defaults))
	if err != nil {
		h.writeSandboxError(w, err, "create")
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

// ExecSandbox 在沙箱中执行命令
//
// 路由: POST /api/sandbox/exec
//
// 请求体: {"sandboxId": "...", "command": ["ls", "-la"], "workdir": "/app", "timeoutMs": 10000}
//
// 响应: {"stdout": "...", "stderr": "...", "exitCode": 0}，非零退出码不视为错误
func (h *Handler) ExecSandbox(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ExecRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case strings.TrimSpace(req.SandboxID) == "":
		writeError(w, http.StatusBadRequest, "sandboxId is required")
		return
	case len(req.Command) == 0:
		writeError(w, http.StatusBadRequest, "command must not be empty")
		return
	case req.TimeoutMs < 0:
		writeError(w, http.StatusBadRequest, "timeoutMs must be positive")
		return
	}

	res, err := h.sandbox.Exec(r.Context(), req)
	if err != nil {
		h.writeSandboxError(w, err, "exec")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TerminateSandbox 终止沙箱
//
// 路由: POST /api/sandbox/terminate
//
// 请求体: {"sandboxId": "..."}
func (h *Handler) TerminateSandbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandboxId"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SandboxID) == "" {
		writeError(w, http.StatusBadRequest, "sandboxId is required")
		return
	}
	if err := h.sandbox.Terminate(r.Context(), req.SandboxID); err != nil {
		if errors.Is(err, sandbox.ErrSandboxExpired) {
			tools.ReleaseSandbox(req.SandboxID)
		}
		h.writeSandboxError(w, err, "terminate")
		return
	}
	tools.ReleaseSandbox(req.SandboxID)
	writeJSON(w, http.StatusOK, sandbox.TerminateResult{SandboxID: req.SandboxID})
}

// writeSandboxError 提供方失败统一返回 500，code 区分超时与过期
func (h *Handler) writeSandboxError(w http.ResponseWriter, err error, op string) {
	h.logger.WithError(err).Warn("Sandbox API call failed", "op", op)
	writeJSON(w, http.StatusInternalServerError, sandbox.ErrorBody{
		Error: err.Error(),
		Code:  sandbox.ErrorCode(err),
	})
}

func validateCreateSpec(spec sandbox.CreateSpec) error {
	for _, p := range spec.EncryptedPorts {
		if p <= 0 {
			return errors.New("encryptedPorts must be positive integers")
		}
	}
	if spec.TimeoutMs < 0 {
		return errors.New("timeoutMs must be positive")
	}
	return nil
}
