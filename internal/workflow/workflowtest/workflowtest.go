// Package workflowtest 基于内存 SQLite 的工作流引擎，供其他包测试使用
package workflowtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"app-builder/internal/shared/model"
	sqlitedriver "app-builder/internal/shared/storage/driver/sqlite"
	"app-builder/internal/shared/storage/repository"
	"app-builder/internal/workflow"
	"app-builder/pkg/logging"
)

// NewStore 创建已迁移的内存存储
func NewStore(t testing.TB) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	s := repository.NewStore(db, dialect)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewEngine 创建使用 store 的引擎，测试结束时关闭
func NewEngine(t testing.TB, store *repository.Store) *workflow.Engine {
	t.Helper()
	e := workflow.NewEngine(workflow.Options{
		Store:        store,
		Owner:        "test",
		Logger:       logging.Discard(),
		PollInterval: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// Drain 读完启动时返回的输出流并等待执行进入终态
func Drain(t testing.TB, e *workflow.Engine, h *workflow.RunHandle) (*workflow.Run, []*model.StreamChunk) {
	t.Helper()
	chunks, err := h.Readable.Collect()
	require.NoError(t, err)
	var run *workflow.Run
	require.Eventually(t, func() bool {
		r, err := e.GetRun(context.Background(), h.RunID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run, chunks
}

// Payloads 解码分片载荷
func Payloads(t testing.TB, chunks []*model.StreamChunk) []model.UIChunk {
	t.Helper()
	out := make([]model.UIChunk, 0, len(chunks))
	for _, c := range chunks {
		var p model.UIChunk
		require.NoError(t, json.Unmarshal(c.Payload, &p))
		out = append(out, p)
	}
	return out
}

// Types 分片类型序列
func Types(t testing.TB, chunks []*model.StreamChunk) []string {
	t.Helper()
	var out []string
	for _, p := range Payloads(t, chunks) {
		out = append(out, p.Type)
	}
	return out
}
