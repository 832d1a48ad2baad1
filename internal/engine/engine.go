package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/generation"
	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/network"
	"github.com/any-hub/cachegate/internal/precache"
	"github.com/any-hub/cachegate/internal/strategy"
)

const tracerName = "github.com/any-hub/cachegate/internal/engine"

// Options 描述一个版本的引擎所需的全部依赖。
type Options struct {
	Site     string
	Version  string
	Manifest []string
	// Origin 用于解析以 "/" 开头的清单条目。
	Origin *url.URL

	Storage    cache.Storage
	Fetcher    network.Fetcher
	Classifier Classifier
	Refresher  *strategy.Refresher

	NetworkTimeout      time.Duration
	PrecacheConcurrency int
	MaxRetries          int
	InitialBackoff      time.Duration

	Logger *logrus.Logger
	Tracer trace.Tracer
}

// Classifier 把请求映射到策略与分区角色，*strategy.Classifier 是默认实现。
type Classifier interface {
	Classify(method string, target *url.URL) strategy.Decision
}

// Engine 是单个版本的缓存引擎，状态机见 State。
// Install/Activate/Terminate 串行执行，Handle 可并发调用。
type Engine struct {
	opts       Options
	generation *generation.Manager
	loader     *precache.Loader
	executor   *strategy.Executor
	classifier Classifier
	logger     *logrus.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	state atomic.Int32

	// writeMu 读锁覆盖每次缓存写入，Terminate 持写锁切换状态。
	writeMu sync.RWMutex
}

// New 构造处于 uninitialized 状态的引擎。
func New(opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Classifier == nil {
		opts.Classifier = strategy.NewClassifier(nil, nil)
	}
	mgr, err := generation.New(opts.Storage, opts.Version, generation.Options{
		MaxRetries:     opts.MaxRetries,
		InitialBackoff: opts.InitialBackoff,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		generation: mgr,
		classifier: opts.Classifier,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		loader: precache.NewLoader(opts.Fetcher, opts.Origin, precache.Options{
			Concurrency: opts.PrecacheConcurrency,
			Logger:      opts.Logger,
		}),
	}
	e.executor = strategy.NewExecutor(opts.Fetcher, strategy.ExecutorOptions{
		NetworkTimeout: opts.NetworkTimeout,
		Refresher:      opts.Refresher,
		Logger:         opts.Logger,
		Gate:           e,
	})
	return e, nil
}

// Version 返回引擎绑定的版本号。
func (e *Engine) Version() string {
	return e.generation.Tag()
}

// AcquireWrite 实现 strategy.WriteGate。终止后不再发放许可；
// Terminate 会等待已发放的许可全部释放。
func (e *Engine) AcquireWrite() (func(), bool) {
	e.writeMu.RLock()
	if e.State() == StateTerminated {
		e.writeMu.RUnlock()
		return nil, false
	}
	return e.writeMu.RUnlock, true
}

// State 返回当前生命周期状态。
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Partitions 返回当前版本的分区名称。
func (e *Engine) Partitions() []string {
	return e.generation.Names()
}

// PartitionStats 统计当前版本每个分区的条目数。
func (e *Engine) PartitionStats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int, len(generation.Roles))
	for _, name := range e.generation.Names() {
		keys, err := e.opts.Storage.ListKeys(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", name, err)
		}
		stats[name] = len(keys)
	}
	return stats, nil
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Install 创建当前版本分区并整体预缓存清单。失败时进入 install-failed，可重试；
// 已 installed 的引擎再次调用会重新拉取并覆盖。
func (e *Engine) Install(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch current := e.State(); current {
	case StateUninitialized, StateInstallFailed, StateInstalled:
	default:
		return fmt.Errorf("%w: install from %s", ErrInvalidState, current)
	}

	ctx, span := e.tracer.Start(ctx, "engine.install", trace.WithAttributes(
		attribute.String("cachegate.site", e.opts.Site),
		attribute.String("cachegate.version", e.opts.Version),
		attribute.Int("cachegate.manifest_size", len(e.opts.Manifest)),
	))
	defer func() {
		endSpan(span, err)
	}()

	start := time.Now()
	e.setState(StateInstalling)
	parts, err := e.generation.OpenCurrentPartitions(ctx)
	if err == nil {
		err = e.loader.LoadManifest(ctx, parts.Static, e.opts.Manifest)
	}
	fields := logging.LifecycleFields(e.opts.Site, e.opts.Version, "install")
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		e.setState(StateInstallFailed)
		e.logger.WithFields(fields).WithError(err).Error("install failed")
		return err
	}
	e.setState(StateInstalled)
	fields["entries"] = len(e.opts.Manifest)
	e.logger.WithFields(fields).Info("installed")
	return nil
}

// Activate 删除其他版本的分区并开始接管请求。删除失败时回到 installed，可重试。
func (e *Engine) Activate(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch current := e.State(); current {
	case StateInstalled:
	case StateActivated:
		return nil
	default:
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, current)
	}

	ctx, span := e.tracer.Start(ctx, "engine.activate", trace.WithAttributes(
		attribute.String("cachegate.site", e.opts.Site),
		attribute.String("cachegate.version", e.opts.Version),
	))
	defer func() {
		endSpan(span, err)
	}()

	e.setState(StateActivating)
	deleted, err := e.generation.PruneOldGenerations(ctx)
	fields := logging.LifecycleFields(e.opts.Site, e.opts.Version, "activate")
	fields["pruned"] = deleted
	if err != nil {
		e.setState(StateInstalled)
		e.logger.WithFields(fields).WithError(err).Error("activation failed")
		return err
	}
	e.setState(StateActivated)
	e.logger.WithFields(fields).Info("activated")
	return nil
}

// Terminate 使引擎退出服务：后续请求直通源站，之后的回写全部丢弃。
// 返回前等待进行中的写入完成。
func (e *Engine) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() == StateTerminated {
		return
	}
	e.writeMu.Lock()
	e.setState(StateTerminated)
	e.writeMu.Unlock()
	e.logger.WithFields(logging.LifecycleFields(e.opts.Site, e.opts.Version, "terminate")).Info("terminated")
}

// Handle 分类请求并执行对应策略。未激活或已终止的引擎对所有请求直通源站。
func (e *Engine) Handle(ctx context.Context, req *network.Request) (result *strategy.Result, err error) {
	if req == nil || req.URL == nil {
		return nil, &network.Error{Err: fmt.Errorf("request url required")}
	}
	start := time.Now()
	decision := e.classifier.Classify(req.Method, req.URL)

	ctx, span := e.tracer.Start(ctx, "engine.handle", trace.WithAttributes(
		attribute.String("cachegate.site", e.opts.Site),
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
		attribute.String("cachegate.policy", string(decision.Policy)),
	))
	defer func() {
		endSpan(span, err)
	}()

	policy := decision.Policy
	partition := ""
	if policy != strategy.PolicyBypass && e.State() != StateActivated {
		policy = strategy.PolicyBypass
	}
	if policy == strategy.PolicyBypass {
		result, err = e.executor.Bypass(ctx, req)
	} else {
		part, ok := e.generation.Current().ForRole(decision.Role)
		key, keyErr := cache.NewKey(req.Method, req.URL)
		if ok {
			partition = part.Name()
		}
		if !ok || keyErr != nil {
			policy, partition = strategy.PolicyBypass, ""
			result, err = e.executor.Bypass(ctx, req)
		} else {
			result, err = e.executor.Execute(ctx, policy, part, key, req)
		}
	}

	e.logDispatch(ctx, req, policy, partition, result, err, time.Since(start))
	if result != nil {
		span.SetAttributes(
			attribute.String("cachegate.source", string(result.Source)),
			attribute.Int("http.response.status_code", result.Response.Status),
		)
	}
	return result, err
}

func (e *Engine) logDispatch(ctx context.Context, req *network.Request, policy strategy.Policy, partition string, result *strategy.Result, err error, elapsed time.Duration) {
	source, status := "", 0
	if result != nil {
		source = string(result.Source)
		status = result.Response.Status
	}
	fields := logging.RequestFields(e.opts.Site, string(policy), partition, source, status)
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["elapsed_ms"] = elapsed.Milliseconds()
	entry := e.logger.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("dispatch failed")
		return
	}
	entry.Info("dispatch")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
