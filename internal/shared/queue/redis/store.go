// Package redis 基于 Redis Streams 消费者组的后台任务队列
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store Redis 任务队列
type Store struct {
	client *redis.Client
	// stream / group 可在测试中替换
	stream string
	group  string
}

// NewStoreFromClient 从现有 Redis 客户端创建任务队列
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client, stream: keyJobs, group: consumerGroup}
}

// NewStoreFromURL 从 URL 创建任务队列
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", opts.Addr)
	return NewStoreFromClient(client), nil
}

// Close 队列不持有连接，由创建客户端的一方关闭
func (s *Store) Close() error {
	return nil
}
