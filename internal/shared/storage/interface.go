// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL：sqlite、postgres），mongostore/
//   - 初始化时通过依赖注入传入实现
//
// 存储分两类：
//   - 工作流日志：RunStore / StepStore / ChunkStore（工作流引擎使用）
//   - 记录存储：RecordStore（项目、沙箱、会话、消息，工作流步骤与 HTTP 查询使用）
package storage

import (
	"context"
	"sync"
	"time"

	"app-builder/internal/shared/model"
)

// ============================================================================
// 工作流日志
// ============================================================================

// RunStore 工作流执行存储
type RunStore interface {
	CreateRun(ctx context.Context, run *model.WorkflowRun) error
	// GetRun 不存在时返回 ErrNotFound
	GetRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	// FinishRun 将执行置为终态；已处于终态时返回 ErrConflict
	FinishRun(ctx context.Context, id string, status model.RunStatus, output []byte, errMsg *string) error
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.WorkflowRun, error)
}

// StepStore 步骤记忆化存储
type StepStore interface {
	// SaveStep 原子写入步骤记录；(run_id, step_index) 已存在时返回 ErrDuplicate
	SaveStep(ctx context.Context, rec *model.StepRecord) error
	// GetStep 不存在时返回 ErrNotFound
	GetStep(ctx context.Context, runID string, stepIndex int) (*model.StepRecord, error)
	ListSteps(ctx context.Context, runID string) ([]*model.StepRecord, error)
}

// ChunkStore 输出流分片存储
type ChunkStore interface {
	// AppendChunk 追加分片；相同 (run_id, seq) 已存在时静默忽略并返回 false
	AppendChunk(ctx context.Context, chunk *model.StreamChunk) (bool, error)
	// ListChunks 返回 seq >= fromSeq 的分片，按 seq 升序，limit <= 0 表示不限
	ListChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]*model.StreamChunk, error)
	CountChunks(ctx context.Context, runID string) (int64, error)
}

// ============================================================================
// 记录存储
// ============================================================================

// ProjectStore 项目存储
type ProjectStore interface {
	// CreateProjectWithSandbox 依次插入状态为 started 的沙箱记录与项目记录
	CreateProjectWithSandbox(ctx context.Context, in model.CreateProjectWithSandboxInput) (*model.ProjectWithSandbox, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	ListProjectsBySandbox(ctx context.Context, sandboxID string) ([]*model.Project, error)
	UpdateProject(ctx context.Context, id string, upd model.ProjectUpdate) error
	SaveProjectImage(ctx context.Context, projectID, imageKey string) error
	DeleteProject(ctx context.Context, id string) error
}

// SandboxStore 沙箱记录存储
type SandboxStore interface {
	// UpdateSandboxStatus 更新编码状态，非法迁移返回 *model.ErrInvalidTransition
	UpdateSandboxStatus(ctx context.Context, id string, status model.AgentCodingStatus) error
	GetSandbox(ctx context.Context, id string) (*model.Sandbox, error)
	GetSandboxByExternalID(ctx context.Context, sandboxID string) (*model.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]*model.Sandbox, error)
	ListSandboxesByStatus(ctx context.Context, status model.AgentCodingStatus) ([]*model.Sandbox, error)
	// DeleteSandbox 删除沙箱及其关联项目
	DeleteSandbox(ctx context.Context, id string) error
}

// ChatStore 会话与消息存储
type ChatStore interface {
	CreateChat(ctx context.Context, name, sandboxID string) (*model.Chat, error)
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListChatsBySandbox(ctx context.Context, sandboxID string) ([]*model.Chat, error)
	CreateChatMessage(ctx context.Context, chatID string, msg model.UIMessage) (*model.Message, error)
	ListMessagesByChat(ctx context.Context, chatID string) ([]*model.Message, error)
}

// RecordStore 记录存储组合接口
type RecordStore interface {
	ProjectStore
	SandboxStore
	ChatStore
}

// ============================================================================
// 组合接口
// ============================================================================

// WorkflowStore 工作流引擎所需的全部存储
type WorkflowStore interface {
	RunStore
	StepStore
	ChunkStore
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	WorkflowStore
	RecordStore
	Close() error
}

var (
	clockMu sync.Mutex
	lastNow time.Time
)

// now 统一的时间源（UTC，精度到毫秒以兼容各数据库（含 MongoDB））
//
// 进程内严格递增，按 created_at 排序即为写入顺序。
func now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	t := time.Now().UTC().Truncate(time.Millisecond)
	if !t.After(lastNow) {
		t = lastNow.Add(time.Millisecond)
	}
	lastNow = t
	return t
}

// Now 返回存储层统一时间
func Now() time.Time {
	return now()
}
