package queue

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueue 进程内 JobQueue 实现
type MemoryQueue struct {
	ch     chan *Job
	seq    atomic.Int64
	once   sync.Once
	closed chan struct{}
}

// NewMemoryQueue 创建内存队列，size 为缓冲长度
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan *Job, size), closed: make(chan struct{})}
}

// Enqueue 入队，队列已满时阻塞直到 ctx 取消
func (q *MemoryQueue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	job := &Job{
		ID:        strconv.FormatInt(q.seq.Add(1), 10),
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now(),
	}
	select {
	case q.ch <- job:
		return job.ID, nil
	case <-q.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume 读取消息
func (q *MemoryQueue) Consume(ctx context.Context, consumerID string, count int64, block time.Duration) ([]*Job, error) {
	if count <= 0 {
		count = 1
	}
	timer := time.NewTimer(block)
	defer timer.Stop()

	var jobs []*Job
	select {
	case job := <-q.ch:
		jobs = append(jobs, job)
	case <-timer.C:
		return nil, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for int64(len(jobs)) < count {
		select {
		case job := <-q.ch:
			jobs = append(jobs, job)
		default:
			return jobs, nil
		}
	}
	return jobs, nil
}

// Ack 内存队列取出即确认
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	return nil
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

var _ JobQueue = (*MemoryQueue)(nil)
