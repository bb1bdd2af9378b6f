package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"app-builder/internal/shared/queue"
)

const (
	keyJobs       = queue.KeyJobs
	consumerGroup = queue.WorkerConsumerGroup
)

// Enqueue 将任务加入 Stream
func (s *Store) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: queue.MaxQueueLength,
		Approx: true,
		Values: map[string]interface{}{
			"kind":       kind,
			"payload":    string(payload),
			"created_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	return s.client.XAdd(ctx, args).Result()
}

// EnsureGroup 创建消费者组（已存在时忽略）
func (s *Store) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume 以消费者组方式读取任务
func (s *Store) Consume(ctx context.Context, consumerID string, count int64, block time.Duration) ([]*queue.Job, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumerID,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []*queue.Job
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			jobs = append(jobs, decodeJob(msg))
		}
	}
	return jobs, nil
}

// Ack 确认任务已处理
func (s *Store) Ack(ctx context.Context, jobID string) error {
	return s.client.XAck(ctx, s.stream, s.group, jobID).Err()
}

// PendingCount 未确认任务数量
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

func decodeJob(msg redis.XMessage) *queue.Job {
	job := &queue.Job{ID: msg.ID}
	if kind, ok := msg.Values["kind"].(string); ok {
		job.Kind = kind
	}
	if payload, ok := msg.Values["payload"].(string); ok {
		job.Payload = json.RawMessage(payload)
	}
	if createdAt, ok := msg.Values["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			job.CreatedAt = t
		}
	}
	return job
}

var _ queue.JobQueue = (*Store)(nil)
