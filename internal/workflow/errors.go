package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound 执行不存在
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrUnknownWorkflow 工作流名称未注册
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrNonDeterministic 重放时步骤名称或输入与记录不一致
	ErrNonDeterministic = errors.New("non-deterministic workflow")

	// ErrWriteInParallelStep 并行步骤内不允许写输出流
	ErrWriteInParallelStep = errors.New("stream write is not allowed inside parallel steps")

	// ErrEngineClosed 引擎已关闭
	ErrEngineClosed = errors.New("workflow engine closed")
)

// nonDeterministic 构造步骤不一致错误
func nonDeterministic(index int, want, got string) error {
	return fmt.Errorf("%w: step %d recorded as %q, replayed as %q", ErrNonDeterministic, index, want, got)
}

// PanicError 工作流函数或步骤发生 panic
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workflow panic: %v", e.Value)
}

// Kind 错误分类名
func (e *PanicError) Kind() string { return "PanicError" }
