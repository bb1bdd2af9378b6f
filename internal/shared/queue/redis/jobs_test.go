package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJob(t *testing.T) {
	job := decodeJob(redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"kind":       "thumbnail",
			"payload":    `{"projectId":"p1"}`,
			"created_at": "2026-01-02T03:04:05Z",
		},
	})
	assert.Equal(t, "1-0", job.ID)
	assert.Equal(t, "thumbnail", job.Kind)
	assert.JSONEq(t, `{"projectId":"p1"}`, string(job.Payload))
	assert.Equal(t, 2026, job.CreatedAt.Year())
}

func TestEnqueueConsumeAck(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.client.Close()
	s.stream = "jobs:test:" + uuid.NewString()
	defer s.client.Del(context.Background(), s.stream)

	ctx := context.Background()
	require.NoError(t, s.EnsureGroup(ctx))
	require.NoError(t, s.EnsureGroup(ctx))

	id, err := s.Enqueue(ctx, "thumbnail", []byte(`{"projectId":"p1"}`))
	require.NoError(t, err)

	jobs, err := s.Consume(ctx, "c1", 10, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Ack(ctx, id))
	n, err = s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
