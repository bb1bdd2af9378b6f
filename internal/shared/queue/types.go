package queue

import (
	"encoding/json"
	"time"
)

// ============================================================================
// 消息类型
// ============================================================================

// Job 队列消息
type Job struct {
	ID        string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ============================================================================
// Key 和常量
// ============================================================================

const (
	// KeyJobs 后台任务 Stream
	KeyJobs = "jobs:background"

	// WorkerConsumerGroup 消费者组
	WorkerConsumerGroup = "workers"

	// MaxQueueLength Stream 最大长度（近似裁剪）
	MaxQueueLength = 10000
)
