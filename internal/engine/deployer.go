package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/network"
	"github.com/any-hub/cachegate/internal/strategy"
)

// Factory 为指定版本构造一个未安装的引擎。
type Factory func(version string, manifest []string) (*Engine, error)

// DeployerOptions 配置 Deployer。
type DeployerOptions struct {
	Site    string
	Factory Factory
	// Fetcher 在没有激活引擎时直通源站。
	Fetcher        network.Fetcher
	NetworkTimeout time.Duration
	Logger         *logrus.Logger
}

// Status 汇总站点当前的版本与状态。
type Status struct {
	Site       string   `json:"site"`
	Version    string   `json:"version"`
	State      string   `json:"state"`
	Partitions []string `json:"partitions"`
}

// Deployer 管理一个站点的版本更替：新版本安装成功后才替换旧版本，
// 安装失败时旧版本继续服务。
type Deployer struct {
	opts     DeployerOptions
	passthru *strategy.Executor

	mu     sync.Mutex
	active atomic.Pointer[Engine]
}

// NewDeployer 创建 Deployer，此时没有激活的引擎，所有请求直通。
func NewDeployer(opts DeployerOptions) (*Deployer, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("deployer: factory required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("deployer: fetcher required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Deployer{
		opts: opts,
		passthru: strategy.NewExecutor(opts.Fetcher, strategy.ExecutorOptions{
			NetworkTimeout: opts.NetworkTimeout,
			Logger:         opts.Logger,
		}),
	}, nil
}

// Active 返回当前引擎，可能为 nil。
func (d *Deployer) Active() *Engine {
	return d.active.Load()
}

// Deploy 安装并激活 version。同一版本已激活时不做任何事；已安装未激活时只补做激活。
// 安装失败返回错误（通常是 *precache.Failure），当前引擎保持不变。
func (d *Deployer) Deploy(ctx context.Context, version string, manifest []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := d.active.Load()
	if current != nil && current.Version() == version {
		switch current.State() {
		case StateActivated:
			return nil
		case StateInstalled:
			return current.Activate(ctx)
		}
	}

	next, err := d.opts.Factory(version, manifest)
	if err != nil {
		return fmt.Errorf("build engine %s: %w", version, err)
	}
	if err := next.Install(ctx); err != nil {
		d.opts.Logger.WithFields(logging.LifecycleFields(d.opts.Site, version, "deploy")).
			WithField("kept_version", versionOf(current)).
			Warn("install failed, keeping current generation")
		return err
	}

	// 旧引擎先停止回写，避免清理后又写回旧分区。
	if current != nil {
		current.Terminate()
	}
	d.active.Store(next)
	if err := next.Activate(ctx); err != nil {
		return err
	}
	d.opts.Logger.WithFields(logging.LifecycleFields(d.opts.Site, version, "deploy")).
		WithField("previous_version", versionOf(current)).
		Info("deployed")
	return nil
}

// Handle 把请求交给当前引擎；尚无引擎时直通源站。
func (d *Deployer) Handle(ctx context.Context, req *network.Request) (*strategy.Result, error) {
	if eng := d.active.Load(); eng != nil {
		return eng.Handle(ctx, req)
	}
	return d.passthru.Bypass(ctx, req)
}

// Status 返回站点状态快照。
func (d *Deployer) Status() Status {
	status := Status{Site: d.opts.Site, State: StateUninitialized.String()}
	if eng := d.active.Load(); eng != nil {
		status.Version = eng.Version()
		status.State = eng.State().String()
		status.Partitions = eng.Partitions()
	}
	return status
}

// Terminate 终止当前引擎，用于进程退出。
func (d *Deployer) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eng := d.active.Load(); eng != nil {
		eng.Terminate()
	}
}

func versionOf(e *Engine) string {
	if e == nil {
		return ""
	}
	return e.Version()
}
