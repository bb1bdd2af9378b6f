package appflow

import (
	"errors"
	"fmt"

	"app-builder/internal/shared/errkind"
)

// ErrMissingPrompt Tasker 提示为空
var ErrMissingPrompt = errors.New("missing prompt")

// RecordStoreError 记录存储写入失败
type RecordStoreError struct {
	Op  string
	Err error

	restored string
}

func (e *RecordStoreError) Error() string {
	if e.restored != "" {
		return e.restored
	}
	return fmt.Sprintf("record store %s: %v", e.Op, e.Err)
}

func (e *RecordStoreError) Unwrap() error { return e.Err }

// Kind 错误分类名
func (e *RecordStoreError) Kind() string { return "RecordStoreError" }

func recordErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RecordStoreError{Op: op, Err: err}
}

func init() {
	errkind.Register("RecordStoreError", func(msg string) error {
		return &RecordStoreError{restored: msg}
	})
}
