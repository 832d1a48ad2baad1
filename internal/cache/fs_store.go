package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存。磁盘布局：
//
//	<basePath>/<partition>/<sha1(key)>.entry    # codec 编码后的 Key + Entry
//
// 删除分区即删除对应目录。
func NewFileStorage(basePath string, codec Codec) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		codec:    codec,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一文件并发写入，写入使用临时文件 + rename 保证原子性。
type fileStorage struct {
	basePath string
	codec    Codec

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStorage) Get(ctx context.Context, partition string, key Key) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stored, entry, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if stored != key {
		// sha1 碰撞或文件被外部改写时按未命中处理
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *fileStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	if err := checkWrite(partition, key, entry); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}
	data, err := s.codec.Encode(key, entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	unlock := s.lockEntry(filePath)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStorage) Delete(_ context.Context, partition string, key Key) error {
	filePath, err := s.entryPath(partition, key)
	if err != nil {
		return err
	}

	unlock := s.lockEntry(filePath)
	defer unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStorage) ListKeys(ctx context.Context, partition string) ([]Key, error) {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := item.Name()
		if item.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		key, _, err := s.codec.Decode(data)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (s *fileStorage) CreatePartition(_ context.Context, partition string) error {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *fileStorage) DeletePartition(_ context.Context, partition string) error {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *fileStorage) ListPartitionNames(_ context.Context) ([]string, error) {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		names = append(names, item.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) lockEntry(filePath string) func() {
	s.mu.Lock()
	lock := s.locks[filePath]
	if lock == nil {
		lock = &entryLock{}
		s.locks[filePath] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, filePath)
		}
		s.mu.Unlock()
	}
}

func (s *fileStorage) partitionPath(partition string) (string, error) {
	if err := ValidatePartitionName(partition); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, partition)
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (s *fileStorage) entryPath(partition string, key Key) (string, error) {
	dir, err := s.partitionPath(partition)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}
