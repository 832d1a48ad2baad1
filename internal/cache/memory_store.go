package cache

import (
	"context"
	"sort"
	"sync"
)

type memoryRecord struct {
	key   Key
	entry *Entry
}

// memoryStorage 在进程内保存全部分区，读写都做深拷贝。
type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]map[string]memoryRecord
}

// NewMemoryStorage 返回进程内 Storage，适用于测试与单实例部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{partitions: make(map[string]map[string]memoryRecord)}
}

func (s *memoryStorage) Get(ctx context.Context, partition string, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.partitions[partition][key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return record.entry.Clone(), nil
}

func (s *memoryStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	if err := checkWrite(partition, key, entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensure(partition)[key.String()] = memoryRecord{key: key, entry: entry.Clone()}
	return nil
}

func (s *memoryStorage) PutBatch(ctx context.Context, partition string, records []Record) error {
	for _, record := range records {
		if err := checkWrite(partition, record.Key, record.Entry); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.ensure(partition)
	for _, record := range records {
		bucket[record.Key.String()] = memoryRecord{key: record.Key, entry: record.Entry.Clone()}
	}
	return nil
}

func (s *memoryStorage) Delete(_ context.Context, partition string, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.partitions[partition]; ok {
		delete(bucket, key.String())
	}
	return nil
}

func (s *memoryStorage) ListKeys(_ context.Context, partition string) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.partitions[partition]
	keys := make([]Key, 0, len(bucket))
	for _, record := range bucket {
		keys = append(keys, record.key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *memoryStorage) CreatePartition(_ context.Context, partition string) error {
	if err := ValidatePartitionName(partition); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(partition)
	return nil
}

func (s *memoryStorage) DeletePartition(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions, partition)
	return nil
}

func (s *memoryStorage) ListPartitionNames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (s *memoryStorage) ensure(partition string) map[string]memoryRecord {
	bucket, ok := s.partitions[partition]
	if !ok {
		bucket = make(map[string]memoryRecord)
		s.partitions[partition] = bucket
	}
	return bucket
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
