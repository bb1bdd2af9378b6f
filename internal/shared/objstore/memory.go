package objstore

import (
	"context"
	"sync"
)

// Memory 进程内对象存储（未配置 MinIO 时使用）
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// BaseURL URL 前缀
	BaseURL string
}

// NewMemory 创建内存对象存储
func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string][]byte), BaseURL: baseURL}
}

// Put 保存对象
func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

// Get 读取对象
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// URL 返回 BaseURL + key
func (m *Memory) URL(ctx context.Context, key string) (string, error) {
	return m.BaseURL + key, nil
}

var _ Store = (*Memory)(nil)
