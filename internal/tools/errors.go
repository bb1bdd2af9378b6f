package tools

import (
	"fmt"
	"strings"

	"app-builder/internal/shared/errkind"
)

// SandboxWriteError 写文件脚本以非零退出码结束
type SandboxWriteError struct {
	Path     string
	ExitCode int
	Stderr   string

	restored string
}

func (e *SandboxWriteError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	msg := fmt.Sprintf("write %s failed with exit code %d", e.Path, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Kind 错误分类名
func (e *SandboxWriteError) Kind() string { return "SandboxWriteError" }

// FileNotFoundError updateFile 目标不存在且未允许创建
type FileNotFoundError struct {
	Path string
}

const fileNotFoundPrefix = "File not found: "

func (e *FileNotFoundError) Error() string { return fileNotFoundPrefix + e.Path }

// Kind 错误分类名
func (e *FileNotFoundError) Kind() string { return "FileNotFoundError" }

// InvalidArgumentsError 模型给出的参数无法解析或不满足约束
type InvalidArgumentsError struct {
	Tool   string
	Reason string

	restored string
}

func (e *InvalidArgumentsError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

// Kind 错误分类名
func (e *InvalidArgumentsError) Kind() string { return "InvalidArguments" }

func init() {
	errkind.Register("SandboxWriteError", func(msg string) error {
		return &SandboxWriteError{restored: msg}
	})
	errkind.Register("FileNotFoundError", func(msg string) error {
		return &FileNotFoundError{Path: strings.TrimPrefix(msg, fileNotFoundPrefix)}
	})
	errkind.Register("InvalidArguments", func(msg string) error {
		return &InvalidArgumentsError{restored: msg}
	})
}
