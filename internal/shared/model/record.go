package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// AgentCodingStatus - 沙箱编码状态
// ============================================================================

// AgentCodingStatus 沙箱上编码 Agent 的进度
//
// 只允许单向推进：started → coding → finished，不可回退、不可跳过 coding。
type AgentCodingStatus string

const (
	AgentCodingStarted  AgentCodingStatus = "started"
	AgentCodingCoding   AgentCodingStatus = "coding"
	AgentCodingFinished AgentCodingStatus = "finished"
)

// Valid 是否为合法取值
func (s AgentCodingStatus) Valid() bool {
	switch s {
	case AgentCodingStarted, AgentCodingCoding, AgentCodingFinished:
		return true
	}
	return false
}

func (s AgentCodingStatus) rank() int {
	switch s {
	case AgentCodingStarted:
		return 0
	case AgentCodingCoding:
		return 1
	case AgentCodingFinished:
		return 2
	}
	return -1
}

// CanTransitionTo 检查状态迁移是否合法
//
// 相同状态视为幂等写入，返回 true。
func (s AgentCodingStatus) CanTransitionTo(next AgentCodingStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() == s.rank() || next.rank() == s.rank()+1
}

// ErrInvalidTransition 非法状态迁移
type ErrInvalidTransition struct {
	From AgentCodingStatus
	To   AgentCodingStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid agent coding transition %s -> %s", e.From, e.To)
}

// ============================================================================
// 记录存储实体
// ============================================================================

// Sandbox 沙箱记录
//
// ID 为记录存储内部 ID；SandboxID 为计算提供方返回的外部 ID。
type Sandbox struct {
	ID          string            `json:"id" bson:"_id"`
	SandboxID   string            `json:"sandbox_id" bson:"sandbox_id"`
	URL         string            `json:"url" bson:"url"`
	ExpiryDate  *time.Time        `json:"expiry_date,omitempty" bson:"expiry_date,omitempty"`
	AgentCoding AgentCodingStatus `json:"agent_coding" bson:"agent_coding"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" bson:"updated_at"`
}

// Project 项目记录
//
// SandboxID 引用 Sandbox.ID；Image 为缩略图对象键，ImageURL 仅查询时填充。
type Project struct {
	ID          string    `json:"id" bson:"_id"`
	Title       string    `json:"title" bson:"title"`
	Description string    `json:"description" bson:"description"`
	SandboxID   string    `json:"sandbox_id" bson:"sandbox_id"`
	Image       *string   `json:"image,omitempty" bson:"image,omitempty"`
	ImageURL    string    `json:"image_url,omitempty" bson:"-"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// ProjectUpdate 项目的部分更新，nil 字段保持不变
type ProjectUpdate struct {
	Title       *string
	Description *string
	SandboxID   *string
	Image       *string
}

// Chat 会话记录
type Chat struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	SandboxID string    `json:"sandbox_id" bson:"sandbox_id"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// MessageRole 消息角色
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Valid 是否为合法角色
func (r MessageRole) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message 会话消息记录
//
// Parts / Attachments / Metadata 原样保存 UI 消息的 JSON 内容。
type Message struct {
	ID          string          `json:"id" bson:"_id"`
	ChatID      string          `json:"chat_id" bson:"chat_id"`
	UIMessageID string          `json:"ui_message_id,omitempty" bson:"ui_message_id,omitempty"`
	Role        MessageRole     `json:"role" bson:"role"`
	Parts       json.RawMessage `json:"parts" bson:"parts"`
	Attachments json.RawMessage `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" bson:"updated_at"`
}

// CreateProjectWithSandboxInput createProjectWithSandbox 的参数
type CreateProjectWithSandboxInput struct {
	Title             string
	Description       string
	SandboxExternalID string
	SandboxURL        string
	SandboxExpiryDate time.Time
}

// ProjectWithSandbox createProjectWithSandbox 的返回值（两个记录的内部 ID）
type ProjectWithSandbox struct {
	SandboxID string `json:"sandbox_id"`
	ProjectID string `json:"project_id"`
}
