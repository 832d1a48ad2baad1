package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
)

// TieredOptions 控制 ristretto 内存层。
type TieredOptions struct {
	// MaxCost 是内存层的字节上限。
	MaxCost int64
	// TTL 限制内存层条目的存活时间，并发覆盖写乱序时最多在此窗口内读到旧值。
	TTL time.Duration
}

// tieredStorage 在任意后端之前加一层 ristretto 读缓存。写入先落后端再更新内存层；
// 删除分区会清空整个内存层。
type tieredStorage struct {
	backend Storage
	l1      *ristretto.Cache
	ttl     time.Duration
}

// NewTieredStorage 用 ristretto 包装 backend。
func NewTieredStorage(backend Storage, opts TieredOptions) (Storage, error) {
	if backend == nil {
		return nil, errors.New("tiered storage: backend required")
	}
	if opts.MaxCost <= 0 {
		return nil, errors.New("tiered storage: max cost must be positive")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	// ristretto 建议 NumCounters 约为预期条目数的 10 倍，这里按平均 4KiB 条目估算。
	counters := opts.MaxCost / 4096 * 10
	if counters < 1000 {
		counters = 1000
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &tieredStorage{backend: backend, l1: l1, ttl: opts.TTL}, nil
}

func (s *tieredStorage) Get(ctx context.Context, partition string, key Key) (*Entry, error) {
	l1Key := tierKey(partition, key)
	if value, ok := s.l1.Get(l1Key); ok {
		if entry, ok := value.(*Entry); ok && entry != nil {
			return entry.Clone(), nil
		}
		s.l1.Del(l1Key)
	}

	entry, err := s.backend.Get(ctx, partition, key)
	if err != nil {
		return nil, err
	}
	s.l1.SetWithTTL(l1Key, entry.Clone(), entry.Size(), s.ttl)
	return entry, nil
}

func (s *tieredStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	if err := s.backend.Put(ctx, partition, key, entry); err != nil {
		s.l1.Del(tierKey(partition, key))
		return err
	}
	s.l1.SetWithTTL(tierKey(partition, key), entry.Clone(), entry.Size(), s.ttl)
	return nil
}

func (s *tieredStorage) PutBatch(ctx context.Context, partition string, records []Record) error {
	for _, record := range records {
		s.l1.Del(tierKey(partition, record.Key))
	}
	return Commit(ctx, s.backend, partition, records)
}

func (s *tieredStorage) Delete(ctx context.Context, partition string, key Key) error {
	s.l1.Del(tierKey(partition, key))
	return s.backend.Delete(ctx, partition, key)
}

func (s *tieredStorage) ListKeys(ctx context.Context, partition string) ([]Key, error) {
	return s.backend.ListKeys(ctx, partition)
}

func (s *tieredStorage) CreatePartition(ctx context.Context, partition string) error {
	return s.backend.CreatePartition(ctx, partition)
}

func (s *tieredStorage) DeletePartition(ctx context.Context, partition string) error {
	err := s.backend.DeletePartition(ctx, partition)
	s.l1.Clear()
	return err
}

func (s *tieredStorage) ListPartitionNames(ctx context.Context) ([]string, error) {
	return s.backend.ListPartitionNames(ctx)
}

func (s *tieredStorage) Close() error {
	s.l1.Close()
	return s.backend.Close()
}

// Wait 阻塞直到 ristretto 的写缓冲全部生效，主要供测试使用。
func (s *tieredStorage) Wait() {
	s.l1.Wait()
}

func tierKey(partition string, key Key) string {
	return partition + "\x00" + key.String()
}
