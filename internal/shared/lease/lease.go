// Package lease 执行所有权租约
//
// 同一次工作流执行同一时刻只允许一个执行体推进（单写者）。
// 执行体在推进前获取以 runID 为键的租约，结束后释放；
// 进程崩溃时租约随 TTL 过期，重启恢复的进程可重新获取。
//
// 实现：
//   - etcd：跨进程，租约绑定 etcd lease 并自动续约
//   - Local：单进程内互斥
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld 租约已被其他执行体持有
var ErrHeld = errors.New("lease held by another owner")

// Lease 已获取的租约
type Lease interface {
	// Release 释放租约（幂等）
	Release(ctx context.Context) error
	// Lost 租约意外丢失（续约失败、过期）时关闭
	Lost() <-chan struct{}
}

// Manager 租约管理器
type Manager interface {
	// Acquire 获取 key 的租约，已被他人持有时返回 ErrHeld
	Acquire(ctx context.Context, key, owner string) (Lease, error)
	Close() error
}

// ============================================================================
// Local - 进程内租约
// ============================================================================

// Local 进程内 Manager 实现
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

// NewLocal 创建进程内租约管理器
func NewLocal() *Local {
	return &Local{held: make(map[string]string)}
}

// Acquire 获取租约
func (l *Local) Acquire(ctx context.Context, key, owner string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = owner
	return &localLease{mgr: l, key: key, lost: make(chan struct{})}, nil
}

// Holder 返回 key 当前持有者
func (l *Local) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[key]
	return owner, ok
}

// Close 无需释放资源
func (l *Local) Close() error {
	return nil
}

type localLease struct {
	mgr  *Local
	key  string
	once sync.Once
	lost chan struct{}
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.mgr.mu.Lock()
		delete(l.mgr.held, l.key)
		l.mgr.mu.Unlock()
	})
	return nil
}

func (l *localLease) Lost() <-chan struct{} {
	return l.lost
}

var _ Manager = (*Local)(nil)
