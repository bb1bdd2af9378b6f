// Package etcd 基于 etcd 的执行租约
//
// Key 布局：{prefix}/runs/{key}/owner，值为持有者标识，绑定 etcd lease。
// 获取使用事务（CreateRevision == 0 时写入），保证同一时刻只有一个持有者。
package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"app-builder/internal/shared/lease"
	"app-builder/pkg/logging"
)

// Config etcd 配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	// TTL 租约有效期（秒）
	TTL    int64
	Logger *logging.Logger
}

// Manager etcd 租约管理器
type Manager struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	owned  bool
	logger *logging.Logger
}

// New 连接 etcd 并创建租约管理器
func New(cfg Config) (*Manager, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	m := NewFromClient(client, cfg.Prefix, cfg.TTL)
	m.owned = true
	if cfg.Logger != nil {
		m.logger = cfg.Logger
	}
	m.logger.Info("Connected to etcd", "endpoints", cfg.Endpoints)
	return m, nil
}

// NewFromClient 从现有客户端创建租约管理器
func NewFromClient(client *clientv3.Client, prefix string, ttl int64) *Manager {
	if prefix == "" {
		prefix = "/app-builder"
	}
	if ttl <= 0 {
		ttl = 30
	}
	return &Manager{client: client, prefix: prefix, ttl: ttl, logger: logging.Default("lease")}
}

func (m *Manager) ownerKey(key string) string {
	return fmt.Sprintf("%s/runs/%s/owner", m.prefix, key)
}

// Acquire 获取租约并启动自动续约
func (m *Manager) Acquire(ctx context.Context, key, owner string) (lease.Lease, error) {
	grant, err := m.client.Grant(ctx, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	k := m.ownerKey(key)
	resp, err := m.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, owner, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		_, _ = m.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !resp.Succeeded {
		_, _ = m.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return nil, lease.ErrHeld
	}

	// 续约生命周期独立于调用方 ctx，由 Release 结束
	kaCtx, cancel := context.WithCancel(context.Background())
	kaCh, err := m.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		_, _ = m.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return nil, fmt.Errorf("failed to keep lease alive: %w", err)
	}

	l := &etcdLease{
		client: m.client,
		id:     grant.ID,
		key:    k,
		cancel: cancel,
		lost:   make(chan struct{}),
		logger: m.logger,
	}
	go l.drain(kaCh)
	return l, nil
}

// Close 关闭自行创建的客户端
func (m *Manager) Close() error {
	if m.owned {
		return m.client.Close()
	}
	return nil
}

type etcdLease struct {
	client *clientv3.Client
	id     clientv3.LeaseID
	key    string
	cancel context.CancelFunc
	once   sync.Once
	lost   chan struct{}
	mu     sync.Mutex
	done   bool
	logger *logging.Logger
}

// drain 消费续约响应，通道关闭即租约结束
func (l *etcdLease) drain(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	l.mu.Lock()
	released := l.done
	l.mu.Unlock()
	if !released {
		l.logger.Warn("Run lease lost", "key", l.key)
	}
	close(l.lost)
}

func (l *etcdLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
		l.cancel()
		_, err = l.client.Revoke(ctx, l.id)
	})
	return err
}

func (l *etcdLease) Lost() <-chan struct{} {
	return l.lost
}

var _ lease.Manager = (*Manager)(nil)
