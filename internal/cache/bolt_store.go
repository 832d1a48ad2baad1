package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// boltStorage 每个分区对应一个 bbolt bucket，批量写入在单个事务内完成。
type boltStorage struct {
	db    *bbolt.DB
	codec Codec
}

// NewBoltStorage 打开（必要时创建）path 处的 bbolt 文件。
func NewBoltStorage(path string, codec Codec) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return &boltStorage{db: db, codec: codec}, nil
}

func (s *boltStorage) Get(ctx context.Context, partition string, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(key.String()))
		if raw == nil {
			return ErrNotFound
		}
		// bbolt 返回的切片只在事务内有效
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	_, entry, err := s.codec.Decode(data)
	return entry, err
}

func (s *boltStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	return s.PutBatch(ctx, partition, []Record{{Key: key, Entry: entry}})
}

func (s *boltStorage) PutBatch(ctx context.Context, partition string, records []Record) error {
	encoded := make([][]byte, len(records))
	for i, record := range records {
		if err := checkWrite(partition, record.Key, record.Entry); err != nil {
			return err
		}
		data, err := s.codec.Encode(record.Key, record.Entry)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		encoded[i] = data
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return err
		}
		for i, record := range records {
			if err := bucket.Put([]byte(record.Key.String()), encoded[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStorage) Delete(_ context.Context, partition string, key Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key.String()))
	})
}

func (s *boltStorage) ListKeys(_ context.Context, partition string) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			key, err := ParseKey(string(k))
			if err != nil {
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

func (s *boltStorage) CreatePartition(_ context.Context, partition string) error {
	if err := ValidatePartitionName(partition); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(partition))
		return err
	})
}

func (s *boltStorage) DeletePartition(_ context.Context, partition string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(partition))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *boltStorage) ListPartitionNames(_ context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (s *boltStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
