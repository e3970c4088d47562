package nonce

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore 是 Store 的进程内实现，用于测试以及单实例部署。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.entries[key] = entry
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.lookup(key)
	return value, ok, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.lookup(key); ok && value == expected {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if value, ok := s.lookup(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current++
	s.entries[key] = memoryEntry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

// lookup 在持锁状态下读取键值并顺带清理过期条目。
func (s *MemoryStore) lookup(key string) (string, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return "", false
	}
	return entry.value, true
}

var _ Store = (*MemoryStore)(nil)
