package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilRedisClient 表示未注入 redis 客户端。
var ErrNilRedisClient = errors.New("redis storage: nil client")

// redisStorage 将每个分区保存为一个 hash（field 为 Key.String()），
// 并用一个 set 记录现存分区名称。写入与分区增删都放在 MULTI 事务中。
type redisStorage struct {
	rdb         goredis.UniversalClient
	prefix      string
	codec       Codec
	closeClient bool
}

// RedisOptions 控制 redis 后端的命名空间与客户端所有权。
type RedisOptions struct {
	Client goredis.UniversalClient
	Prefix string
	Codec  Codec
	// CloseClient 为 true 时 Close 会关闭客户端，仅在该后端独占客户端时设置。
	CloseClient bool
}

// NewRedisStorage 基于已有 redis 客户端构建 Storage。
func NewRedisStorage(opts RedisOptions) (Storage, error) {
	if opts.Client == nil {
		return nil, ErrNilRedisClient
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "cachegate"
	}
	codec := opts.Codec
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &redisStorage{
		rdb:         opts.Client,
		prefix:      prefix,
		codec:       codec,
		closeClient: opts.CloseClient,
	}, nil
}

func (s *redisStorage) Get(ctx context.Context, partition string, key Key) (*Entry, error) {
	data, err := s.rdb.HGet(ctx, s.partitionKey(partition), key.String()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_, entry, err := s.codec.Decode(data)
	return entry, err
}

func (s *redisStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	return s.PutBatch(ctx, partition, []Record{{Key: key, Entry: entry}})
}

func (s *redisStorage) PutBatch(ctx context.Context, partition string, records []Record) error {
	values := make([]interface{}, 0, len(records)*2)
	for _, record := range records {
		if err := checkWrite(partition, record.Key, record.Entry); err != nil {
			return err
		}
		data, err := s.codec.Encode(record.Key, record.Entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		values = append(values, record.Key.String(), data)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, s.indexKey(), partition)
		pipe.HSet(ctx, s.partitionKey(partition), values...)
		return nil
	})
	return err
}

func (s *redisStorage) Delete(ctx context.Context, partition string, key Key) error {
	return s.rdb.HDel(ctx, s.partitionKey(partition), key.String()).Err()
}

func (s *redisStorage) ListKeys(ctx context.Context, partition string) ([]Key, error) {
	fields, err := s.rdb.HKeys(ctx, s.partitionKey(partition)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		key, err := ParseKey(field)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *redisStorage) CreatePartition(ctx context.Context, partition string) error {
	if err := ValidatePartitionName(partition); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, s.indexKey(), partition).Err()
}

func (s *redisStorage) DeletePartition(ctx context.Context, partition string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.partitionKey(partition))
		pipe.SRem(ctx, s.indexKey(), partition)
		return nil
	})
	return err
}

func (s *redisStorage) ListPartitionNames(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close 仅在持有客户端所有权时关闭连接，重复调用安全。
func (s *redisStorage) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

func (s *redisStorage) partitionKey(partition string) string {
	return s.prefix + ":partition:" + partition
}

func (s *redisStorage) indexKey() string {
	return s.prefix + ":partitions"
}
