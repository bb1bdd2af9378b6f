package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/redis/go-redis/v9"

	"app-builder/internal/shared/eventbus"
	"app-builder/internal/shared/model"
)

func streamKey(runID string) string {
	return eventbus.KeyRunChunks + runID
}

// PublishChunk 追加分片到执行的 Stream
func (s *Store) PublishChunk(ctx context.Context, chunk *model.StreamChunk) error {
	final := "0"
	if chunk.Final {
		final = "1"
	}
	args := &redis.XAddArgs{
		Stream: streamKey(chunk.RunID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     chunk.Seq,
			"payload": string(chunk.Payload),
			"final":   final,
		},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish chunk: %w", err)
	}
	return nil
}

// SubscribeChunks 订阅分片
//
// 先同步读取 Stream 当前末尾 ID，再从该 ID 之后阻塞读取，
// 保证返回之后发布的分片都能收到。
func (s *Store) SubscribeChunks(ctx context.Context, runID string) (<-chan *model.StreamChunk, error) {
	key := streamKey(runID)

	lastID := "0-0"
	tail, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream tail: %w", err)
	}
	if len(tail) > 0 {
		lastID = tail[0].ID
	}

	ch := make(chan *model.StreamChunk, eventbus.SubscriberBuffer)
	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   s.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] Chunk subscription error: run=%s err=%v", runID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					chunk, err := decodeChunk(runID, msg.Values)
					if err != nil {
						log.Printf("[Redis/EventBus] Skipping malformed entry %s: %v", msg.ID, err)
						continue
					}
					select {
					case ch <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// DeleteChunks 删除执行的 Stream
func (s *Store) DeleteChunks(ctx context.Context, runID string) error {
	return s.client.Del(ctx, streamKey(runID)).Err()
}

func decodeChunk(runID string, values map[string]interface{}) (*model.StreamChunk, error) {
	seqStr, _ := values["seq"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seq %q", seqStr)
	}
	payload, _ := values["payload"].(string)
	if !json.Valid([]byte(payload)) {
		return nil, fmt.Errorf("invalid payload for seq %d", seq)
	}
	final, _ := values["final"].(string)
	return &model.StreamChunk{
		RunID:   runID,
		Seq:     seq,
		Payload: json.RawMessage(payload),
		Final:   final == "1",
	}, nil
}

var _ eventbus.ChunkBus = (*Store)(nil)
