package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内缓存，进程退出即丢失，适合测试与临时运行。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	names  []string
	stores map[string]*memoryStore
}

// memoryStore 被删除后旧句柄拒绝写入，读取视为空。
type memoryStore struct {
	name string

	mu      sync.RWMutex
	deleted bool
	keys    []string
	entries map[string]*Response
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[name]; ok {
		return store, nil
	}
	store := &memoryStore{name: name, entries: make(map[string]*Response)}
	s.stores[name] = store
	s.names = append(s.names, name)
	return store, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[name]
	if !ok {
		return nil, ErrNotFound
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...), nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	store.mu.Lock()
	store.deleted = true
	store.keys = nil
	store.entries = make(map[string]*Response)
	store.mu.Unlock()
	delete(s.stores, name)
	for i, existing := range s.names {
		if existing == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (s *memoryStore) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := validateKey(entry.Key); err != nil {
			return err
		}
		if entry.Response == nil {
			return fmt.Errorf("cache entry %s: nil response", entry.Key)
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	for _, entry := range entries {
		stored := entry.Response.Clone()
		if stored.StoredAt.IsZero() {
			stored.StoredAt = now
		}
		if _, exists := s.entries[entry.Key]; !exists {
			s.keys = append(s.keys, entry.Key)
		}
		s.entries[entry.Key] = stored
	}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	for i, existing := range s.keys {
		if existing == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...), nil
}
