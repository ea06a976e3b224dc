package cache

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

// memoryStore 以进程内 map 保存编码后的快照，适合测试与单实例部署。
type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
}

// NewMemoryStore 返回一个空的内存分区存储。
func NewMemoryStore() Store {
	return &memoryStore{partitions: make(map[string]map[string][]byte)}
}

func (s *memoryStore) Match(ctx context.Context, partition string, req *http.Request) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if req == nil || req.Method != http.MethodGet {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	data, ok := s.partitions[partition][RequestKey(req)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return matchSnapshot(data, req)
}

func (s *memoryStore) Put(ctx context.Context, partition string, snap *Snapshot) error {
	return s.PutBatch(ctx, partition, []*Snapshot{snap})
}

func (s *memoryStore) PutBatch(ctx context.Context, partition string, snaps []*Snapshot) error {
	if err := validatePartition(partition); err != nil {
		return err
	}
	encoded := make(map[string][]byte, len(snaps))
	for _, snap := range snaps {
		if err := checkCacheable(snap); err != nil {
			return err
		}
		data, err := encodeSnapshot(snap)
		if err != nil {
			return err
		}
		encoded[snap.Key] = data
	}
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.partitions[partition]
	if entries == nil {
		entries = make(map[string][]byte, len(encoded))
		s.partitions[partition] = entries
	}
	for key, data := range encoded {
		entries[key] = data
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.partitions[partition]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Partitions(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.partitions[partition]
	delete(s.partitions, partition)
	return existed, nil
}

func (s *memoryStore) Close() error {
	return nil
}
