// Package model 定义核心数据模型
//
// run.go 包含工作流执行相关的数据模型定义：
//   - WorkflowRun：一次持久化工作流执行
//   - RunStatus：执行状态枚举
//   - StepRecord：步骤记忆化记录
//   - StreamChunk：输出流分片
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示一次工作流执行（WorkflowRun）的状态
//
// 生命周期：
//
//	创建 → running → completed / failed
//
// completed 和 failed 为终态，进入终态后输出流关闭，状态不再改变。
type RunStatus string

const (
	// RunStatusRunning 执行中（含进程重启后等待恢复的执行）
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted 工作流函数正常返回
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed 工作流函数返回了未被捕获的步骤错误
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal 是否为终态
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ============================================================================
// WorkflowRun - 工作流执行
// ============================================================================

// WorkflowRun 一次工作流执行
//
// 字段说明：
//   - ID：执行唯一标识（UUID）
//   - Workflow：注册的工作流名称（重启恢复时据此找回工作流函数）
//   - Input：启动参数（JSON）
//   - Output：工作流返回值（completed 时填充）
//   - Error：失败原因（failed 时填充）
//
// 单写者约束：同一 Run 同一时刻只允许一个执行体推进（由 lease 保证）。
type WorkflowRun struct {
	ID         string          `json:"id" bson:"_id"`
	Workflow   string          `json:"workflow" bson:"workflow"`
	Status     RunStatus       `json:"status" bson:"status"`
	Input      json.RawMessage `json:"input,omitempty" bson:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty" bson:"output,omitempty"`
	Error      *string         `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" bson:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
}

// ============================================================================
// StepRecord - 步骤记录
// ============================================================================

// StepRecord 步骤记忆化记录
//
// 以 (RunID, StepIndex) 为键，Result 与 Error 二者恰有其一。
// ChunkCursor 记录步骤完成时输出流的下一个序号，重放时据此推进序号游标，
// 保证重放不会重复追加步骤内已产生的分片。
type StepRecord struct {
	RunID       string          `json:"run_id" bson:"run_id"`
	StepIndex   int             `json:"step_index" bson:"step_index"`
	StepName    string          `json:"step_name" bson:"step_name"`
	InputHash   string          `json:"input_hash" bson:"input_hash"`
	Result      json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	Error       *StepError      `json:"error,omitempty" bson:"error,omitempty"`
	ChunkCursor int64           `json:"chunk_cursor" bson:"chunk_cursor"`
	CompletedAt time.Time       `json:"completed_at" bson:"completed_at"`
}

// Failed 步骤是否以错误结束
func (r *StepRecord) Failed() bool {
	return r.Error != nil
}

// StepError 步骤错误的持久化形式
//
// Kind 保存错误分类名（如 ProvisioningError），重放时还原为同类错误。
type StepError struct {
	Kind    string `json:"kind" bson:"kind"`
	Message string `json:"message" bson:"message"`
}

// ============================================================================
// StreamChunk - 输出流分片
// ============================================================================

// StreamChunk 输出流中的一个分片
//
// Seq 在单个 Run 内从 0 单调递增、只追加。
// Final 标记流的最后一个分片（成功结束或错误结束），订阅者读到后关闭流。
type StreamChunk struct {
	RunID     string          `json:"run_id" bson:"run_id"`
	Seq       int64           `json:"seq" bson:"seq"`
	Payload   json.RawMessage `json:"payload" bson:"payload"`
	Final     bool            `json:"final,omitempty" bson:"final"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at"`
}
