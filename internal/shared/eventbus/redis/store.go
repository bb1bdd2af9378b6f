// Package redis 基于 Redis Streams 的分片事件总线
//
// 每次执行对应一个 Stream（run_chunks:{runID}），条目字段：
//   - seq：分片序号
//   - payload：分片 JSON
//   - final：是否为最后一个分片（"1"/"0"）
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
	// block XREAD 阻塞时长
	block time.Duration
}

// NewStoreFromURL 从 URL 创建事件总线
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

	log.Printf("[Redis/EventBus] Connected to %s", opts.Addr)
	return NewStoreFromClient(client), nil
}

// NewStoreFromClient 从现有 Redis 客户端创建事件总线（共享连接，Close 不关闭客户端）
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client, block: 5 * time.Second}
}

// Close 事件总线不持有连接，由创建客户端的一方关闭
func (s *Store) Close() error {
	return nil
}
