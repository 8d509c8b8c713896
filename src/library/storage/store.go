package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound      = errors.New("storage: key not found")
	ErrQuotaExceeded = errors.New("storage: quota exceeded")
	ErrUnavailable   = errors.New("storage: unavailable")
)

// PersistentStore 字节级键值存储，供失败登记持久化使用
type PersistentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Open 按后端名称打开存储
func Open(backend, path, bucket string) (PersistentStore, error) {
	switch backend {
	case "bolt":
		return NewBoltStore(path, bucket)
	case "badger":
		return NewBadgerStore(path)
	case "memory", "":
		return NewMemoryStore(0), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// MemoryStore 内存存储，Quota>0 时单个值超过配额返回 ErrQuotaExceeded
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string][]byte
	quota       int
	unavailable bool
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte), quota: quota}
}

// SetUnavailable 模拟存储不可用
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

// SetQuota 调整单值配额
func (m *MemoryStore) SetQuota(quota int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota = quota
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	if m.quota > 0 && len(value) > m.quota {
		return fmt.Errorf("%w: %d bytes > %d", ErrQuotaExceeded, len(value), m.quota)
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
