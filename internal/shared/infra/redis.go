// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	eventbusredis "app-builder/internal/shared/eventbus/redis"
	queueredis "app-builder/internal/shared/queue/redis"
)

// RedisInfra Redis 基础设施
//
// 分片总线与后台任务队列共享同一个客户端连接
type RedisInfra struct {
	busStore   *eventbusredis.Store
	queueStore *queueredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return newRedisInfra(redis.NewClient(opts), opts.Addr)
}

// NewRedisInfraFromAddr 从地址创建 Redis 基础设施
func NewRedisInfraFromAddr(addr, password string, db int) (*RedisInfra, error) {
	return newRedisInfra(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), addr)
}

func newRedisInfra(client *redis.Client, addr string) (*RedisInfra, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", addr)

	return &RedisInfra{
		client:     client,
		busStore:   eventbusredis.NewStoreFromClient(client),
		queueStore: queueredis.NewStoreFromClient(client),
	}, nil
}

// Bus 返回分片事件总线
func (r *RedisInfra) Bus() *eventbusredis.Store {
	return r.busStore
}

// Jobs 返回后台任务队列
func (r *RedisInfra) Jobs() *queueredis.Store {
	return r.queueStore
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
