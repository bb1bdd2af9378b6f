// Package sandbox 沙箱计算提供方客户端
//
// 提供三个操作：
//   - Create：创建沙箱，返回 {sandboxId, url, expiryDate}
//   - Exec：在沙箱内执行命令，返回 {stdout, stderr, exitCode}
//   - Terminate：释放沙箱
//
// 实现：
//   - Docker（docker.go）：本机 Docker 容器作为沙箱
//   - HTTPClient（http.go）：调用沙箱 HTTP API（/api/sandbox/*）
//
// 约定：
//   - 非零退出码是正常结果，不是错误
//   - 超时返回 *TimeoutError，与非零退出码区分
//   - 沙箱不存在或已过期返回 ErrSandboxExpired
package sandbox

import (
	"context"
	"time"

	"app-builder/internal/config"
)

// Client 沙箱客户端接口
type Client interface {
	Create(ctx context.Context, spec CreateSpec) (*Handle, error)
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	Terminate(ctx context.Context, sandboxID string) error
}

// CreateSpec 创建参数，零值字段使用默认值
type CreateSpec struct {
	AppName        string   `json:"appName,omitempty"`
	Image          string   `json:"image,omitempty"`
	Workdir        string   `json:"workdir,omitempty"`
	Command        []string `json:"command,omitempty"`
	EncryptedPorts []int    `json:"encryptedPorts,omitempty"`
	TimeoutMs      int64    `json:"timeoutMs,omitempty"`
}

// WithDefaults 用配置默认值填充零值字段
func (s CreateSpec) WithDefaults(d config.SandboxDefaults) CreateSpec {
	if s.AppName == "" {
		s.AppName = d.AppName
	}
	if s.Image == "" {
		s.Image = d.Image
	}
	if s.Workdir == "" {
		s.Workdir = d.Workdir
	}
	if len(s.Command) == 0 {
		s.Command = append([]string(nil), d.Command...)
	}
	if len(s.EncryptedPorts) == 0 {
		s.EncryptedPorts = []int{d.Port}
	}
	if s.TimeoutMs <= 0 && d.TTL > 0 {
		s.TimeoutMs = d.TTL.Milliseconds()
	}
	return s
}

// Handle 沙箱句柄
//
// ExpiryDate 为毫秒时间戳，仅供参考：过期后的 Exec 返回 ErrSandboxExpired。
type Handle struct {
	SandboxID  string `json:"sandboxId"`
	URL        string `json:"url"`
	ExpiryDate int64  `json:"expiryDate"`
}

// Expiry 过期时间
func (h *Handle) Expiry() time.Time {
	if h.ExpiryDate == 0 {
		return time.Time{}
	}
	return time.UnixMilli(h.ExpiryDate).UTC()
}

// ExecRequest 执行参数
type ExecRequest struct {
	SandboxID string   `json:"sandboxId"`
	Command   []string `json:"command"`
	Workdir   string   `json:"workdir,omitempty"`
	TimeoutMs int64    `json:"timeoutMs,omitempty"`
}

// ExecResult 执行结果
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// execTimeout 计算单次执行超时
func execTimeout(req ExecRequest, fallback time.Duration) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return fallback
}
