package sandbox

import (
	"errors"
	"fmt"
	"time"

	"app-builder/internal/shared/errkind"
)

// ErrSandboxExpired 沙箱不存在、已终止或已过期
var ErrSandboxExpired = errors.New("sandbox expired or not found")

// ProvisioningError 沙箱创建失败（对工作流执行是致命错误）
type ProvisioningError struct {
	Err error

	restored string
}

func (e *ProvisioningError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	return fmt.Sprintf("sandbox provisioning failed: %v", e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Kind 错误分类名
func (e *ProvisioningError) Kind() string { return "ProvisioningError" }

// SandboxExecError 命令执行的传输层失败（非零退出码不属于此类）
type SandboxExecError struct {
	SandboxID string
	Err       error

	restored string
}

func (e *SandboxExecError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	if e.SandboxID == "" {
		return fmt.Sprintf("sandbox exec failed: %v", e.Err)
	}
	return fmt.Sprintf("sandbox %s exec failed: %v", e.SandboxID, e.Err)
}

func (e *SandboxExecError) Unwrap() error { return e.Err }

// Kind 错误分类名
func (e *SandboxExecError) Kind() string { return "SandboxExecError" }

// TimeoutError 命令执行超时
type TimeoutError struct {
	SandboxID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox %s exec timed out after %s", e.SandboxID, e.Timeout)
}

// Kind 错误分类名
func (e *TimeoutError) Kind() string { return "TimeoutError" }

// expiredError 让 ErrSandboxExpired 可按分类持久化
type expiredError struct{ msg string }

func (e *expiredError) Error() string { return e.msg }
func (e *expiredError) Kind() string  { return "SandboxExpired" }
func (e *expiredError) Unwrap() error { return ErrSandboxExpired }

func expired(sandboxID string) error {
	return &expiredError{msg: fmt.Sprintf("sandbox %s: %v", sandboxID, ErrSandboxExpired)}
}

func messageError(m string) error { return errors.New(m) }

func init() {
	errkind.Register("ProvisioningError", func(m string) error {
		return &ProvisioningError{Err: messageError(m), restored: m}
	})
	errkind.Register("SandboxExecError", func(m string) error {
		return &SandboxExecError{Err: messageError(m), restored: m}
	})
	errkind.Register("TimeoutError", func(m string) error {
		return &restoredTimeout{msg: m}
	})
	errkind.Register("SandboxExpired", func(m string) error {
		return &expiredError{msg: m}
	})
}

// restoredTimeout 重放还原的超时错误，errors.As(*TimeoutError) 通过 As 方法匹配
type restoredTimeout struct{ msg string }

func (e *restoredTimeout) Error() string { return e.msg }
func (e *restoredTimeout) Kind() string  { return "TimeoutError" }
func (e *restoredTimeout) As(target any) bool {
	if t, ok := target.(**TimeoutError); ok {
		*t = &TimeoutError{}
		return true
	}
	return false
}

// IsTimeout 是否为超时错误
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
