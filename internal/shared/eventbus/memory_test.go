package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/shared/model"
)

func chunk(runID string, seq int64) *model.StreamChunk {
	return &model.StreamChunk{RunID: runID, Seq: seq, Payload: json.RawMessage(`{"type":"text-delta"}`)}
}

func recv(t *testing.T, ch <-chan *model.StreamChunk) *model.StreamChunk {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.SubscribeChunks(ctx, "run-1")
	require.NoError(t, err)
	b, err := bus.SubscribeChunks(ctx, "run-1")
	require.NoError(t, err)
	other, err := bus.SubscribeChunks(ctx, "run-2")
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, bus.PublishChunk(ctx, chunk("run-1", i)))
	}
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, recv(t, a).Seq)
		assert.Equal(t, i, recv(t, b).Seq)
	}
	assert.Len(t, other, 0)
}

func TestMemoryBus_UnsubscribeOnCancel(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.SubscribeChunks(ctx, "run-1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	// 取消后发布不应阻塞或 panic
	require.NoError(t, bus.PublishChunk(context.Background(), chunk("run-1", 0)))
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.SubscribeChunks(ctx, "run-1")
	require.NoError(t, err)
	for i := int64(0); i < SubscriberBuffer+10; i++ {
		require.NoError(t, bus.PublishChunk(ctx, chunk("run-1", i)))
	}
	assert.Len(t, ch, SubscriberBuffer)
}
