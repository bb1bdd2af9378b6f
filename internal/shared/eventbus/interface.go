// Package eventbus 输出流分片的实时分发
//
// 持久化日志（storage.ChunkStore）是分片的唯一事实来源，
// 事件总线只负责把新追加的分片尽快推送给订阅者：
//   - 发布在分片落库之后进行
//   - 订阅者可能漏收（缓冲溢出、连接中断），由读取方按 seq 从日志补齐
//
// 当前实现：Redis Streams（跨进程）、内存（单进程与测试）。
package eventbus

import (
	"context"

	"app-builder/internal/shared/model"
)

// ChunkBus 分片事件总线接口
type ChunkBus interface {
	// PublishChunk 发布已落库的分片
	PublishChunk(ctx context.Context, chunk *model.StreamChunk) error
	// SubscribeChunks 订阅某次执行此后发布的分片，ctx 取消时关闭通道
	//
	// 返回时订阅已生效：返回之后发布的分片不会因订阅建立过程而丢失。
	SubscribeChunks(ctx context.Context, runID string) (<-chan *model.StreamChunk, error)
	// DeleteChunks 清理某次执行的实时流
	DeleteChunks(ctx context.Context, runID string) error
	Close() error
}
