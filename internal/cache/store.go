package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部分区的读写。分区按名称隔离，首次写入或 CreatePartition 时创建。
// 实现必须支持并发调用；同一 Key 的并发写入以最后完成者为准。
type Storage interface {
	// Get 返回分区中 Key 对应的条目。条目或分区不存在时返回 ErrNotFound。
	Get(ctx context.Context, partition string, key Key) (*Entry, error)

	// Put 覆盖写入条目，分区不存在时自动创建。非法 Key 返回 ErrInvalidKey。
	Put(ctx context.Context, partition string, key Key, entry *Entry) error

	// Delete 删除单个条目，不存在时不报错。
	Delete(ctx context.Context, partition string, key Key) error

	// ListKeys 列出分区内全部 Key；分区不存在时返回空列表。
	ListKeys(ctx context.Context, partition string) ([]Key, error)

	// CreatePartition 幂等地创建分区。
	CreatePartition(ctx context.Context, partition string) error

	// DeletePartition 删除分区及其全部条目，不存在时不报错。
	DeletePartition(ctx context.Context, partition string) error

	// ListPartitionNames 返回当前存在的分区名称（按字典序）。
	ListPartitionNames(ctx context.Context) ([]string, error)

	// Close 释放底层资源。
	Close() error
}

// BatchWriter 由能够一次性提交多条记录的后端实现，提交要么全部可见，要么全部不可见。
type BatchWriter interface {
	PutBatch(ctx context.Context, partition string, records []Record) error
}

// Record 是批量提交中的一条 Key/Entry。
type Record struct {
	Key   Key
	Entry *Entry
}

// Entry 表示一次缓存的响应：状态码、头部、正文与写入时间。写入后只允许整体覆盖。
type Entry struct {
	Status   int         `msgpack:"status" cbor:"1,keyasint" json:"status"`
	Header   http.Header `msgpack:"header" cbor:"2,keyasint" json:"header"`
	Body     []byte      `msgpack:"body" cbor:"3,keyasint" json:"body"`
	StoredAt time.Time   `msgpack:"stored_at" cbor:"4,keyasint" json:"stored_at"`
}

// Clone 深拷贝条目，避免调用方修改存储中的数据。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
}

// Size 估算条目占用的字节数，供内存层计算 cost。
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	size := int64(len(e.Body))
	for key, values := range e.Header {
		size += int64(len(key))
		for _, value := range values {
			size += int64(len(value))
		}
	}
	return size + 64
}

var (
	// ErrNotFound 表示条目或分区不存在（缓存未命中）。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 Key 不满足归一化规则（仅允许 GET + 绝对 URL，无 fragment）。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidPartition 表示分区名称为空或包含路径分隔符。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// ValidatePartitionName 检查分区名称能否安全地映射为目录、bucket 或 redis key。
func ValidatePartitionName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidPartition)
	case strings.ContainsAny(name, "/\\: \t\n"):
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

func checkWrite(partition string, key Key, entry *Entry) error {
	if err := ValidatePartitionName(partition); err != nil {
		return err
	}
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	if entry == nil {
		return errors.New("cache entry required")
	}
	return nil
}
