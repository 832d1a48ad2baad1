package cache

import (
	"context"
	"errors"
	"fmt"
)

// Partition 是绑定到某个 Storage 的具名分区句柄，本身不持有数据。
type Partition struct {
	name    string
	storage Storage
}

// NewPartition 返回指定名称的分区句柄。
func NewPartition(storage Storage, name string) Partition {
	return Partition{name: name, storage: storage}
}

// Name 返回分区名称。
func (p Partition) Name() string {
	return p.name
}

// Get 读取分区中的条目。
func (p Partition) Get(ctx context.Context, key Key) (*Entry, error) {
	if p.storage == nil {
		return nil, ErrNotFound
	}
	return p.storage.Get(ctx, p.name, key)
}

// Put 覆盖写入条目。
func (p Partition) Put(ctx context.Context, key Key, entry *Entry) error {
	if p.storage == nil {
		return errors.New("partition has no storage")
	}
	return p.storage.Put(ctx, p.name, key, entry)
}

// Keys 列出分区内的 Key。
func (p Partition) Keys(ctx context.Context) ([]Key, error) {
	if p.storage == nil {
		return nil, nil
	}
	return p.storage.ListKeys(ctx, p.name)
}

// Commit 以整体语义写入一组记录，见 Commit。
func (p Partition) Commit(ctx context.Context, records []Record) error {
	if p.storage == nil {
		return errors.New("partition has no storage")
	}
	return Commit(ctx, p.storage, p.name, records)
}

// Commit 将 records 作为一个整体写入分区：后端实现 BatchWriter 时直接批量提交；
// 否则逐条写入，任何一条失败都会把已写入的 Key 恢复为写入前的状态。
func Commit(ctx context.Context, storage Storage, partition string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if err := checkWrite(partition, record.Key, record.Entry); err != nil {
			return err
		}
	}
	if batch, ok := storage.(BatchWriter); ok {
		return batch.PutBatch(ctx, partition, records)
	}

	prior := make([]*Entry, len(records))
	for i, record := range records {
		entry, err := storage.Get(ctx, partition, record.Key)
		switch {
		case err == nil:
			prior[i] = entry
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("snapshot %s: %w", record.Key, err)
		}
	}

	for i, record := range records {
		if err := storage.Put(ctx, partition, record.Key, record.Entry); err != nil {
			commitErr := fmt.Errorf("commit %s: %w", partition, err)
			if rbErr := restore(context.WithoutCancel(ctx), storage, partition, records[:i+1], prior[:i+1]); rbErr != nil {
				return errors.Join(commitErr, rbErr)
			}
			return commitErr
		}
	}
	return nil
}

// RollbackError 表示提交失败后，部分 Key 没能恢复到写入前的状态。
type RollbackError struct {
	Partition string
	Keys      []Key
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback %s: %d keys not restored: %v", e.Partition, len(e.Keys), e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// restore 逆序回放快照；同一 Key 出现多次时最早的快照最后写回。
// 单个 Key 恢复失败不会中断其余 Key 的恢复。
func restore(ctx context.Context, storage Storage, partition string, records []Record, prior []*Entry) error {
	var failed []Key
	var errs []error
	for i := len(records) - 1; i >= 0; i-- {
		var err error
		if prior[i] != nil {
			err = storage.Put(ctx, partition, records[i].Key, prior[i])
		} else {
			err = storage.Delete(ctx, partition, records[i].Key)
			if errors.Is(err, ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			failed = append(failed, records[i].Key)
			errs = append(errs, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &RollbackError{Partition: partition, Keys: failed, Err: errors.Join(errs...)}
}
