package precache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/network"
)

func originFetcher(t *testing.T, statuses map[string]int, calls *int32) network.Fetcher {
	t.Helper()
	return network.FetcherFunc(func(ctx context.Context, req *network.Request) (*network.Response, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		status, ok := statuses[req.URL.Path]
		if !ok {
			status = http.StatusOK
		}
		return &network.Response{
			Status: status,
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte("body:" + req.URL.Path),
		}, nil
	})
}

func mustBase(t *testing.T) *url.URL {
	t.Helper()
	base, err := url.Parse("https://example.com/")
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	return base
}

func TestLoadManifestCommitsEveryEntry(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStorage()
	part := cache.NewPartition(store, "static-v1")

	loader := NewLoader(originFetcher(t, nil, nil), mustBase(t), Options{Concurrency: 2})
	manifest := []string{"/", "/a.css", "https://example.com/b.js"}
	if err := loader.LoadManifest(ctx, part, manifest); err != nil {
		t.Fatalf("load: %v", err)
	}

	keys, err := part.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 entries, got %v", keys)
	}
	target, _ := url.Parse("https://example.com/a.css")
	key, _ := cache.NewKey(http.MethodGet, target)
	entry, err := part.Get(ctx, key)
	if err != nil || string(entry.Body) != "body:/a.css" {
		t.Fatalf("unexpected entry %+v err=%v", entry, err)
	}
}

func TestLoadManifestFailureLeavesPartitionEmpty(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStorage()
	part := cache.NewPartition(store, "static-v1")

	fetcher := originFetcher(t, map[string]int{"/b.js": http.StatusNotFound}, nil)
	loader := NewLoader(fetcher, mustBase(t), Options{Concurrency: 1})
	err := loader.LoadManifest(ctx, part, []string{"/", "/a.css", "/b.js"})

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected precache failure, got %v", err)
	}
	if failure.URL != "https://example.com/b.js" || failure.Status != http.StatusNotFound {
		t.Fatalf("unexpected failure %+v", failure)
	}
	keys, _ := part.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("partition should stay empty, got %v", keys)
	}
}

func TestLoadManifestTransportFailure(t *testing.T) {
	ctx := context.Background()
	part := cache.NewPartition(cache.NewMemoryStorage(), "static-v1")
	fetcher := network.FetcherFunc(func(ctx context.Context, req *network.Request) (*network.Response, error) {
		return nil, &network.Error{Method: req.Method, URL: req.URL.String(), Err: errors.New("refused")}
	})
	err := NewLoader(fetcher, mustBase(t), Options{}).LoadManifest(ctx, part, []string{"/a.css"})
	if !network.IsNetworkError(err) {
		t.Fatalf("expected wrapped network error, got %v", err)
	}
}

func TestLoadManifestIsIdempotentAndDedupes(t *testing.T) {
	ctx := context.Background()
	part := cache.NewPartition(cache.NewMemoryStorage(), "static-v1")
	var calls int32
	loader := NewLoader(originFetcher(t, nil, &calls), mustBase(t), Options{})

	manifest := []string{"/a.css", "/a.css#top", "/b.js"}
	for i := 0; i < 2; i++ {
		if err := loader.LoadManifest(ctx, part, manifest); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	keys, _ := part.Keys(ctx)
	if len(keys) != 2 {
		t.Fatalf("expected 2 entries, got %v", keys)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 fetches across two runs, got %d", calls)
	}
}

func TestLoadManifestRejectsRelativeWithoutBase(t *testing.T) {
	part := cache.NewPartition(cache.NewMemoryStorage(), "static-v1")
	err := NewLoader(originFetcher(t, nil, nil), nil, Options{}).LoadManifest(context.Background(), part, []string{"/a.css"})
	var failure *Failure
	if !errors.As(err, &failure) || failure.URL != "/a.css" {
		t.Fatalf("expected failure for relative entry, got %v", err)
	}
}

func TestResolveRejectsForeignOrigin(t *testing.T) {
	loader := NewLoader(originFetcher(t, nil, nil), mustBase(t), Options{})
	for _, raw := range []string{"http://127.0.0.1/admin", "http://example.com/a.css", "https://evil.example.net/a.css"} {
		if _, err := loader.Resolve(raw); !errors.Is(err, ErrForeignOrigin) {
			t.Fatalf("%s: expected ErrForeignOrigin, got %v", raw, err)
		}
	}
	if _, err := loader.Resolve("https://EXAMPLE.com:443/a.css"); err != nil {
		t.Fatalf("same origin should resolve: %v", err)
	}
}

func TestLoadManifestForeignEntryMakesNoFetch(t *testing.T) {
	part := cache.NewPartition(cache.NewMemoryStorage(), "static-v1")
	var calls int32
	loader := NewLoader(originFetcher(t, nil, &calls), mustBase(t), Options{})
	err := loader.LoadManifest(context.Background(), part, []string{"/a.css", "http://169.254.169.254/latest/meta-data"})
	if !errors.Is(err, ErrForeignOrigin) {
		t.Fatalf("expected ErrForeignOrigin, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no entry should be fetched, got %d", calls)
	}
}

func TestLoadManifestRejectsStreamedBody(t *testing.T) {
	part := cache.NewPartition(cache.NewMemoryStorage(), "static-v1")
	fetcher := network.FetcherFunc(func(ctx context.Context, req *network.Request) (*network.Response, error) {
		return &network.Response{Status: http.StatusOK, Header: http.Header{}, Stream: io.NopCloser(strings.NewReader("huge"))}, nil
	})
	err := NewLoader(fetcher, mustBase(t), Options{}).LoadManifest(context.Background(), part, []string{"/video.mp4"})
	if !errors.Is(err, network.ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if keys, _ := part.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("partition should stay empty, got %v", keys)
	}
}

// readOnlyStorage 隐藏 PutBatch；第二次起的 Put 与所有 Delete 都失败。
type readOnlyStorage struct {
	cache.Storage
	puts int32
}

func (s *readOnlyStorage) Put(ctx context.Context, partition string, key cache.Key, entry *cache.Entry) error {
	if atomic.AddInt32(&s.puts, 1) > 1 {
		return errors.New("read-only filesystem")
	}
	return s.Storage.Put(ctx, partition, key, entry)
}

func (s *readOnlyStorage) Delete(context.Context, string, cache.Key) error {
	return errors.New("read-only filesystem")
}

func TestLoadManifestLogsRollbackFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	part := cache.NewPartition(&readOnlyStorage{Storage: cache.NewMemoryStorage()}, "static-v1")
	loader := NewLoader(originFetcher(t, nil, nil), mustBase(t), Options{Logger: logger})

	err := loader.LoadManifest(context.Background(), part, []string{"/a.css", "/b.js"})
	var rollback *cache.RollbackError
	if !errors.As(err, &rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	var logged *logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Data["action"] == "precache_rollback" {
			logged = entry
		}
	}
	if logged == nil || logged.Level != logrus.ErrorLevel {
		t.Fatalf("expected precache_rollback error log, got %v", hook.AllEntries())
	}
	if keys, ok := logged.Data["keys"].([]string); !ok || len(keys) == 0 {
		t.Fatalf("rollback log should list keys, got %v", logged.Data["keys"])
	}
}
