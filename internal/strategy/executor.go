package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/network"
)

// Source 标识响应来自缓存、回源还是直通。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceBypass  Source = "bypass"
)

// Result 是策略执行的结果。
type Result struct {
	Response *network.Response
	Source   Source
}

// ExecutorOptions 配置策略执行器。
type ExecutorOptions struct {
	// NetworkTimeout 限制 NetworkFirst 与 Bypass 的回源时长，0 表示不限制。
	NetworkTimeout time.Duration
	Refresher      *Refresher
	Logger         *logrus.Logger
	// Gate 为 nil 时所有写入都放行。
	Gate WriteGate
}

// WriteGate 在一次缓存写入期间持有许可。ok 为 false 时放弃写入；
// 持有许可期间分区不会被删除。
type WriteGate interface {
	AcquireWrite() (release func(), ok bool)
}

// WriteGateFunc 把普通函数适配为 WriteGate。
type WriteGateFunc func() (release func(), ok bool)

// AcquireWrite 调用 f()。
func (f WriteGateFunc) AcquireWrite() (func(), bool) {
	return f()
}

// Executor 在一个分区上执行 CacheFirst / NetworkFirst / StaleWhileRevalidate。
type Executor struct {
	fetcher network.Fetcher
	opts    ExecutorOptions
}

// NewExecutor 创建执行器。
func NewExecutor(fetcher network.Fetcher, opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Executor{fetcher: fetcher, opts: opts}
}

// Execute 按策略分派。
func (e *Executor) Execute(ctx context.Context, policy Policy, part cache.Partition, key cache.Key, req *network.Request) (*Result, error) {
	switch policy {
	case PolicyCacheFirst:
		return e.CacheFirst(ctx, part, key, req)
	case PolicyNetworkFirst:
		return e.NetworkFirst(ctx, part, key, req)
	case PolicyStaleWhileRevalidate:
		return e.StaleWhileRevalidate(ctx, part, key, req)
	case PolicyBypass:
		return e.Bypass(ctx, req)
	}
	return nil, fmt.Errorf("unknown policy %q", policy)
}

// Bypass 直接回源，不读写任何分区。
func (e *Executor) Bypass(ctx context.Context, req *network.Request) (*Result, error) {
	resp, err := e.fetchWithTimeout(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Source: SourceBypass}, nil
}

// CacheFirst 命中即返回且不访问网络；未命中时回源，成功响应写入分区。
func (e *Executor) CacheFirst(ctx context.Context, part cache.Partition, key cache.Key, req *network.Request) (*Result, error) {
	if entry, ok := e.lookup(ctx, part, key); ok {
		return answerConditional(req, cachedResult(entry)), nil
	}
	resp, err := e.fetch(ctx, fillRequest(req))
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		e.store(ctx, part, key, resp)
	}
	return answerConditional(req, &Result{Response: resp, Source: SourceNetwork}), nil
}

// NetworkFirst 优先回源；失败（传输错误、超时、非 2xx）时回落到缓存。
// 缓存也没有时返回传输错误，或源站给出的非 2xx 响应。
func (e *Executor) NetworkFirst(ctx context.Context, part cache.Partition, key cache.Key, req *network.Request) (*Result, error) {
	resp, err := e.fetchWithTimeout(ctx, fillRequest(req))
	if err == nil && resp.OK() {
		e.store(ctx, part, key, resp)
		return answerConditional(req, &Result{Response: resp, Source: SourceNetwork}), nil
	}
	if entry, ok := e.lookup(ctx, part, key); ok {
		e.opts.Logger.WithFields(logrus.Fields{
			"action":    "network_fallback",
			"partition": part.Name(),
			"key":       key.String(),
		}).Debug(fallbackReason(resp, err))
		if resp != nil {
			_ = resp.Close()
		}
		return answerConditional(req, cachedResult(entry)), nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Source: SourceNetwork}, nil
}

// StaleWhileRevalidate 命中时立即返回缓存并在后台刷新；未命中时同步回源。
func (e *Executor) StaleWhileRevalidate(ctx context.Context, part cache.Partition, key cache.Key, req *network.Request) (*Result, error) {
	if entry, ok := e.lookup(ctx, part, key); ok {
		e.revalidate(ctx, part, key, fillRequest(req).Clone())
		return answerConditional(req, cachedResult(entry)), nil
	}
	resp, err := e.fetch(ctx, fillRequest(req))
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		e.store(ctx, part, key, resp)
	}
	return answerConditional(req, &Result{Response: resp, Source: SourceNetwork}), nil
}

func (e *Executor) revalidate(ctx context.Context, part cache.Partition, key cache.Key, req *network.Request) {
	job := RefreshJob{
		Key: part.Name() + "|" + key.String(),
		Run: func(ctx context.Context) error {
			resp, err := e.fetch(ctx, req)
			if err != nil {
				return err
			}
			defer resp.Close()
			if !resp.OK() {
				return fmt.Errorf("refresh %s: unexpected status %d", key.URL, resp.Status)
			}
			if !resp.Buffered() {
				return fmt.Errorf("refresh %s: %w", key.URL, network.ErrBodyTooLarge)
			}
			e.store(ctx, part, key, resp)
			return nil
		},
	}
	if e.opts.Refresher != nil {
		e.opts.Refresher.Enqueue(ctx, job)
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		if err := job.Run(detached); err != nil {
			e.opts.Logger.WithFields(logrus.Fields{"action": "refresh", "key": job.Key}).Warn(err.Error())
		}
	}()
}

// lookup 把读取错误一律视为未命中，包括分区已被删除的情况。
func (e *Executor) lookup(ctx context.Context, part cache.Partition, key cache.Key) (*cache.Entry, bool) {
	entry, err := part.Get(ctx, key)
	if err == nil && entry != nil {
		return entry, true
	}
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		e.opts.Logger.WithFields(logrus.Fields{
			"action":    "cache_read",
			"partition": part.Name(),
			"key":       key.String(),
		}).Warn(err.Error())
	}
	return nil, false
}

// store 写入失败只记录日志，不影响已得到的响应。流式响应不写入。
func (e *Executor) store(ctx context.Context, part cache.Partition, key cache.Key, resp *network.Response) {
	if !resp.Buffered() {
		e.opts.Logger.WithFields(logrus.Fields{
			"action":    "cache_skip",
			"partition": part.Name(),
			"key":       key.String(),
		}).Debug(network.ErrBodyTooLarge.Error())
		return
	}
	if e.opts.Gate != nil {
		release, ok := e.opts.Gate.AcquireWrite()
		if !ok {
			return
		}
		defer release()
	}
	entry := &cache.Entry{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     append([]byte(nil), resp.Body...),
		StoredAt: time.Now().UTC(),
	}
	if err := part.Put(ctx, key, entry); err != nil {
		e.opts.Logger.WithFields(logrus.Fields{
			"action":    "cache_write",
			"partition": part.Name(),
			"key":       key.String(),
		}).Warn(err.Error())
	}
}

func (e *Executor) fetchWithTimeout(ctx context.Context, req *network.Request) (*network.Response, error) {
	if e.opts.NetworkTimeout <= 0 {
		return e.fetch(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.NetworkTimeout)
	resp, err := e.fetch(ctx, req)
	if err != nil || resp.Buffered() {
		cancel()
		return resp, err
	}
	resp.Stream = &cancelOnClose{ReadCloser: resp.Stream, cancel: cancel}
	return resp, nil
}

// cancelOnClose 让超时上下文覆盖整个流式正文的读取。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

// fetch 保证传输失败以 *network.Error 返回。
func (e *Executor) fetch(ctx context.Context, req *network.Request) (*network.Response, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err == nil {
		return resp, nil
	}
	if network.IsNetworkError(err) {
		return nil, err
	}
	netErr := &network.Error{Err: err}
	if req != nil {
		netErr.Method = req.Method
		if req.URL != nil {
			netErr.URL = req.URL.String()
		}
	}
	return nil, netErr
}

func cachedResult(entry *cache.Entry) *Result {
	return &Result{
		Response: &network.Response{
			Status: entry.Status,
			Header: entry.Header.Clone(),
			Body:   entry.Body,
		},
		Source: SourceCache,
	}
}

func fallbackReason(resp *network.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("origin status %d", resp.Status)
}
