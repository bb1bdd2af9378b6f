// Package queue 后台任务队列
//
// 用于与工作流执行解耦的尽力而为任务（如项目缩略图生成）：
// 入队后由 Worker 异步消费，处理失败只记录日志，不影响入队方。
//
// 当前实现：Redis Streams 消费者组（跨进程）、内存通道（单进程与测试）。
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// JobQueue 后台任务队列接口
type JobQueue interface {
	// Enqueue 入队，返回消息 ID
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
	// Consume 读取最多 count 条未分配的消息，block 为最长等待时间
	Consume(ctx context.Context, consumerID string, count int64, block time.Duration) ([]*Job, error)
	// Ack 确认消息已处理
	Ack(ctx context.Context, jobID string) error
	Close() error
}
