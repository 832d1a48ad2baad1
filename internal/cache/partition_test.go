package cache

import (
	"context"
	"errors"
	"testing"
)

// flakyStorage 隐藏 memoryStorage 的 PutBatch，并在第 failAt 次 Put 时失败。
type flakyStorage struct {
	Storage
	puts   int
	failAt int
}

func (s *flakyStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	s.puts++
	if s.puts == s.failAt {
		return errors.New("disk full")
	}
	return s.Storage.Put(ctx, partition, key, entry)
}

func TestCommitRollsBackSequentialWrites(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStorage()
	existing := mustKey(t, "https://example.com/css/a.css")
	if err := inner.Put(ctx, "static-v2", existing, testEntry("old")); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	// 第 1 次 Put 是 seed 之后的第一条记录，第 3 次失败
	store := &flakyStorage{Storage: inner, failAt: 3}
	records := []Record{
		{Key: existing, Entry: testEntry("new-a")},
		{Key: mustKey(t, "https://example.com/"), Entry: testEntry("root")},
		{Key: mustKey(t, "https://example.com/index.html"), Entry: testEntry("index")},
	}
	err := NewPartition(store, "static-v2").Commit(ctx, records)
	if err == nil {
		t.Fatalf("expected commit failure")
	}

	got, err := inner.Get(ctx, "static-v2", existing)
	if err != nil || string(got.Body) != "old" {
		t.Fatalf("existing entry should be restored, got %v / %v", got, err)
	}
	keys, _ := inner.ListKeys(ctx, "static-v2")
	if len(keys) != 1 {
		t.Fatalf("expected only the pre-existing key after rollback, got %v", keys)
	}
}

func TestCommitUsesBatchWriter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	records := []Record{
		{Key: mustKey(t, "https://example.com/"), Entry: testEntry("root")},
		{Key: mustKey(t, "https://example.com/index.html"), Entry: testEntry("index")},
	}
	if err := Commit(ctx, store, "static-v1", records); err != nil {
		t.Fatalf("commit error: %v", err)
	}
	keys, _ := store.ListKeys(ctx, "static-v1")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestCommitValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	records := []Record{
		{Key: mustKey(t, "https://example.com/"), Entry: testEntry("root")},
		{Key: Key{Method: "POST", URL: "https://example.com/form"}, Entry: testEntry("form")},
	}
	if err := Commit(ctx, store, "static-v1", records); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if keys, _ := store.ListKeys(ctx, "static-v1"); len(keys) != 0 {
		t.Fatalf("nothing should be written, got %v", keys)
	}
}

// stuckStorage 在第 failAt 次 Put 之后拒绝所有写入与删除。
type stuckStorage struct {
	Storage
	puts   int
	failAt int
}

func (s *stuckStorage) Put(ctx context.Context, partition string, key Key, entry *Entry) error {
	s.puts++
	if s.puts >= s.failAt {
		return errors.New("disk full")
	}
	return s.Storage.Put(ctx, partition, key, entry)
}

func (s *stuckStorage) Delete(context.Context, string, Key) error {
	return errors.New("read-only")
}

func TestCommitReportsRollbackFailure(t *testing.T) {
	ctx := context.Background()
	store := &stuckStorage{Storage: NewMemoryStorage(), failAt: 2}
	first := mustKey(t, "https://example.com/")
	records := []Record{
		{Key: first, Entry: testEntry("root")},
		{Key: mustKey(t, "https://example.com/index.html"), Entry: testEntry("index")},
	}

	err := NewPartition(store, "static-v1").Commit(ctx, records)
	var rollback *RollbackError
	if !errors.As(err, &rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if rollback.Partition != "static-v1" || len(rollback.Keys) != 2 {
		t.Fatalf("unexpected rollback detail %+v", rollback)
	}
	found := false
	for _, key := range rollback.Keys {
		if key == first {
			found = true
		}
	}
	if !found {
		t.Fatalf("written key %s should be reported, got %v", first, rollback.Keys)
	}
}
