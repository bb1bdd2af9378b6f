package eventbus

import (
	"context"
	"sync"

	"app-builder/internal/shared/model"
)

// ============================================================================
// MemoryBus - 进程内事件总线
// ============================================================================

// MemoryBus 单进程内的 ChunkBus 实现
//
// 订阅者缓冲已满时丢弃分片，读取方按 seq 从日志补齐。
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan *model.StreamChunk]struct{}
	closed bool
}

// NewMemoryBus 创建内存事件总线
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan *model.StreamChunk]struct{})}
}

// PublishChunk 向该执行的全部订阅者投递分片
func (b *MemoryBus) PublishChunk(ctx context.Context, chunk *model.StreamChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[chunk.RunID] {
		select {
		case ch <- chunk:
		default:
		}
	}
	return nil
}

// SubscribeChunks 订阅分片
func (b *MemoryBus) SubscribeChunks(ctx context.Context, runID string) (<-chan *model.StreamChunk, error) {
	ch := make(chan *model.StreamChunk, SubscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan *model.StreamChunk]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(runID, ch)
	}()
	return ch, nil
}

func (b *MemoryBus) unsubscribe(runID string, ch chan *model.StreamChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[runID][ch]; !ok {
		return
	}
	delete(b.subs[runID], ch)
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

// DeleteChunks 内存实现不保留历史，无需清理
func (b *MemoryBus) DeleteChunks(ctx context.Context, runID string) error {
	return nil
}

// Close 关闭全部订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for runID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, runID)
	}
	b.closed = true
	return nil
}

var _ ChunkBus = (*MemoryBus)(nil)
