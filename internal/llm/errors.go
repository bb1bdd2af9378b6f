package llm

import (
	"errors"
	"fmt"
	"net/http"

	"app-builder/internal/shared/errkind"
)

// CompletionServiceError 模型服务调用失败
//
// Status 为 0 表示未收到 HTTP 响应（网络错误、流中断或响应解析失败）。
// Type 为流内错误帧的 error.type。
type CompletionServiceError struct {
	Op     string
	Status int
	Type   string
	Body   string
	Err    error

	restored string
}

func (e *CompletionServiceError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	if e.Status != 0 {
		return fmt.Sprintf("completion service %s failed (%d): %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("completion service %s failed: %v", e.Op, e.Err)
}

func (e *CompletionServiceError) Unwrap() error { return e.Err }

// Kind 错误分类名
func (e *CompletionServiceError) Kind() string { return "CompletionServiceError" }

// errTypeInvalidRequest 请求本身不合法，重试无意义
const errTypeInvalidRequest = "invalid_request_error"

// Retryable 是否值得重试：网络错误、流中断、429 与 5xx
func (e *CompletionServiceError) Retryable() bool {
	if e.restored != "" || e.Type == errTypeInvalidRequest {
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRetryable 错误链上是否有可重试的 CompletionServiceError
func IsRetryable(err error) bool {
	var ce *CompletionServiceError
	return errors.As(err, &ce) && ce.Retryable()
}

func init() {
	errkind.Register("CompletionServiceError", func(m string) error {
		return &CompletionServiceError{restored: m}
	})
}
