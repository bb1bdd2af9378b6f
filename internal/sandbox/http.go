package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API 错误码（服务端 500 响应体中的 code 字段）
const (
	CodeTimeout = "timeout"
	CodeExpired = "expired"
)

// ErrorBody 沙箱 API 错误响应体
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// TerminateResult 终止响应
type TerminateResult struct {
	SandboxID string `json:"sandboxId"`
}

// HTTPClient 调用沙箱 HTTP API 的客户端
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient 创建沙箱 API 客户端，httpClient 为 nil 时使用默认客户端
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Create POST /api/sandbox/create
func (c *HTTPClient) Create(ctx context.Context, spec CreateSpec) (*Handle, error) {
	var h Handle
	if err := c.postJSON(ctx, "/api/sandbox/create", spec, &h); err != nil {
		return nil, &ProvisioningError{Err: err}
	}
	return &h, nil
}

// Exec POST /api/sandbox/exec
func (c *HTTPClient) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	var res ExecResult
	if err := c.postJSON(ctx, "/api/sandbox/exec", req, &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case CodeTimeout:
				return nil, &TimeoutError{SandboxID: req.SandboxID, Timeout: time.Duration(req.TimeoutMs) * time.Millisecond}
			case CodeExpired:
				return nil, expired(req.SandboxID)
			}
		}
		return nil, &SandboxExecError{SandboxID: req.SandboxID, Err: err}
	}
	return &res, nil
}

// Terminate POST /api/sandbox/terminate
func (c *HTTPClient) Terminate(ctx context.Context, sandboxID string) error {
	var res TerminateResult
	err := c.postJSON(ctx, "/api/sandbox/terminate", map[string]string{"sandboxId": sandboxID}, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeExpired {
		return expired(sandboxID)
	}
	return err
}

// APIError 沙箱 API 非 2xx 响应
type APIError struct {
	Path   string
	Status int
	Body   string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Sandbox API %s failed (%d): %s", e.Path, e.Status, e.Body)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Sandbox API %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Sandbox API %s: read body: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Path: path, Status: resp.StatusCode, Body: string(raw)}
		var eb ErrorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Code = eb.Code
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("Sandbox API %s: decode response: %w", path, err)
	}
	return nil
}

// ErrorCode 错误对应的 API 错误码，供服务端构造响应
func ErrorCode(err error) string {
	switch {
	case IsTimeout(err):
		return CodeTimeout
	case errors.Is(err, ErrSandboxExpired):
		return CodeExpired
	default:
		return ""
	}
}
