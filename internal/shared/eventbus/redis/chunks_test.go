package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-builder/internal/shared/model"
)

func TestDecodeChunk(t *testing.T) {
	c, err := decodeChunk("run-1", map[string]interface{}{
		"seq": "7", "payload": `{"type":"finish"}`, "final": "1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.Seq)
	assert.True(t, c.Final)
	assert.JSONEq(t, `{"type":"finish"}`, string(c.Payload))

	_, err = decodeChunk("run-1", map[string]interface{}{"seq": "x", "payload": `{}`})
	assert.Error(t, err)
	_, err = decodeChunk("run-1", map[string]interface{}{"seq": "1", "payload": `{`})
	assert.Error(t, err)
}

// testStore 需要可用的 Redis（REDIS_TEST_URL），否则跳过
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	s.block = 200 * time.Millisecond
	t.Cleanup(func() { s.client.Close() })
	return s
}

func TestPublishSubscribe(t *testing.T) {
	s := testStore(t)
	runID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer s.DeleteChunks(context.Background(), runID)

	// 订阅前发布的分片不推送
	require.NoError(t, s.PublishChunk(ctx, &model.StreamChunk{RunID: runID, Seq: 0, Payload: json.RawMessage(`{}`)}))

	ch, err := s.SubscribeChunks(ctx, runID)
	require.NoError(t, err)

	require.NoError(t, s.PublishChunk(ctx, &model.StreamChunk{RunID: runID, Seq: 1, Payload: json.RawMessage(`{"type":"text-delta"}`)}))
	require.NoError(t, s.PublishChunk(ctx, &model.StreamChunk{RunID: runID, Seq: 2, Payload: json.RawMessage(`{"type":"finish"}`), Final: true}))

	first := <-ch
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.Seq)
	second := <-ch
	require.NotNil(t, second)
	assert.Equal(t, int64(2), second.Seq)
	assert.True(t, second.Final)
}
