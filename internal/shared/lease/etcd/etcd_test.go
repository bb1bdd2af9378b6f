package etcd

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"app-builder/internal/shared/lease"
	"app-builder/pkg/logging"
)

func TestOwnerKey(t *testing.T) {
	m := NewFromClient(nil, "", 0)
	assert.Equal(t, "/app-builder/runs/run-1/owner", m.ownerKey("run-1"))
	assert.Equal(t, int64(30), m.ttl)
}

func TestDrain_LogsOnlyUnreleasedLoss(t *testing.T) {
	for _, released := range []bool{false, true} {
		var buf bytes.Buffer
		l := &etcdLease{
			key:    "/app-builder/runs/run-1/owner",
			lost:   make(chan struct{}),
			done:   released,
			logger: logging.NewWithWriter(logging.Config{Level: "info", Component: "lease"}, &buf),
		}
		ch := make(chan *clientv3.LeaseKeepAliveResponse)
		close(ch)
		l.drain(ch)

		select {
		case <-l.Lost():
		default:
			t.Fatal("lost channel not closed")
		}
		if released {
			assert.Empty(t, buf.String())
		} else {
			assert.Contains(t, buf.String(), "Run lease lost")
			assert.Contains(t, buf.String(), "run-1")
		}
	}
}

func TestAcquireRelease(t *testing.T) {
	endpoints := os.Getenv("ETCD_TEST_ENDPOINTS")
	if endpoints == "" {
		endpoints = "localhost:2379"
	}
	m, err := New(Config{Endpoints: strings.Split(endpoints, ","), Prefix: "/app-builder-test", TTL: 5, Logger: logging.Discard()})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	key := uuid.NewString()

	l, err := m.Acquire(ctx, key, "proc-a")
	require.NoError(t, err)

	_, err = m.Acquire(ctx, key, "proc-b")
	assert.ErrorIs(t, err, lease.ErrHeld)

	require.NoError(t, l.Release(ctx))
	<-l.Lost()

	l2, err := m.Acquire(ctx, key, "proc-b")
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}
