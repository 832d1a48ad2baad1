// Package precache populates a partition from a manifest as one unit: either
// every manifest URL is fetched successfully and committed, or the partition
// keeps exactly what it held before.
package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/network"
)

// ErrForeignOrigin 表示清单中的绝对 URL 不属于站点源站。
var ErrForeignOrigin = errors.New("manifest entry outside site origin")

// Failure 表示清单中某个 URL 预缓存失败（PrecacheFailure）。
type Failure struct {
	URL    string
	Status int
	Err    error
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil:
		return fmt.Sprintf("precache %s: %v", f.URL, f.Err)
	case f.Status != 0:
		return fmt.Sprintf("precache %s: unexpected status %d", f.URL, f.Status)
	}
	return fmt.Sprintf("precache %s failed", f.URL)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Options 控制并发度与日志。
type Options struct {
	Concurrency int
	Logger      *logrus.Logger
}

// Loader 从源站拉取清单内容并整体写入分区。
type Loader struct {
	fetcher network.Fetcher
	base    *url.URL
	opts    Options
}

// NewLoader 创建 Loader；base 用于解析以 "/" 开头的清单条目。
func NewLoader(fetcher network.Fetcher, base *url.URL, opts Options) *Loader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Loader{fetcher: fetcher, base: base, opts: opts}
}

// Resolve 把清单条目解析为绝对 URL。设置了 base 时，绝对 URL 必须与 base 同源。
func (l *Loader) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		if l.base != nil && !cache.SameOrigin(l.base, ref) {
			return nil, fmt.Errorf("%w: %s", ErrForeignOrigin, ref.Redacted())
		}
		return ref, nil
	}
	if l.base == nil {
		return nil, fmt.Errorf("relative manifest entry %q without base url", raw)
	}
	return l.base.ResolveReference(ref), nil
}

// LoadManifest 并发拉取清单中的每个 URL，全部成功后一次性提交到分区。
// 任一失败返回 *Failure，分区保持调用前的状态。
func (l *Loader) LoadManifest(ctx context.Context, partition cache.Partition, manifest []string) error {
	start := time.Now()
	targets := make([]*url.URL, len(manifest))
	keys := make([]cache.Key, len(manifest))
	for i, raw := range manifest {
		target, err := l.Resolve(raw)
		if err != nil {
			return &Failure{URL: raw, Err: err}
		}
		key, err := cache.NewKey(http.MethodGet, target)
		if err != nil {
			return &Failure{URL: raw, Err: err}
		}
		targets[i] = target
		keys[i] = key
	}

	entries := make([]*cache.Entry, len(manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(l.opts.Concurrency)
	seen := make(map[cache.Key]struct{}, len(manifest))
	for i := range manifest {
		if _, dup := seen[keys[i]]; dup {
			continue
		}
		seen[keys[i]] = struct{}{}
		group.Go(func() error {
			entry, err := l.fetch(groupCtx, targets[i])
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		l.opts.Logger.WithFields(logrus.Fields{
			"action":    "precache",
			"partition": partition.Name(),
			"urls":      len(manifest),
		}).Warn(err.Error())
		return err
	}

	records := make([]cache.Record, 0, len(seen))
	for i := range manifest {
		if entries[i] == nil {
			continue
		}
		records = append(records, cache.Record{Key: keys[i], Entry: entries[i]})
	}
	if err := partition.Commit(ctx, records); err != nil {
		var rollback *cache.RollbackError
		if errors.As(err, &rollback) {
			keys := make([]string, len(rollback.Keys))
			for i, key := range rollback.Keys {
				keys[i] = key.String()
			}
			l.opts.Logger.WithFields(logrus.Fields{
				"action":    "precache_rollback",
				"partition": partition.Name(),
				"keys":      keys,
			}).Error(rollback.Err.Error())
		}
		return &Failure{URL: partition.Name(), Err: fmt.Errorf("commit: %w", err)}
	}

	l.opts.Logger.WithFields(logrus.Fields{
		"action":     "precache",
		"partition":  partition.Name(),
		"entries":    len(records),
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("precache committed")
	return nil
}

func (l *Loader) fetch(ctx context.Context, target *url.URL) (*cache.Entry, error) {
	req := &network.Request{Method: http.MethodGet, URL: target, Header: http.Header{}}
	resp, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, &Failure{URL: target.String(), Err: err}
	}
	defer resp.Close()
	if !resp.OK() {
		return nil, &Failure{URL: target.String(), Status: resp.Status}
	}
	if !resp.Buffered() {
		return nil, &Failure{URL: target.String(), Err: network.ErrBodyTooLarge}
	}
	return &cache.Entry{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		StoredAt: time.Now().UTC(),
	}, nil
}
