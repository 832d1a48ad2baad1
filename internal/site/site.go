// Package site assembles one caching runtime per configured site: its
// storage namespace, origin fetcher, background refresher and the Deployer
// that owns its engine generations.
package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/config"
	"github.com/any-hub/cachegate/internal/engine"
	"github.com/any-hub/cachegate/internal/network"
	"github.com/any-hub/cachegate/internal/strategy"
)

// Runtime 是单个站点的运行时。
type Runtime struct {
	Config   config.SiteConfig
	Storage  cache.Storage
	Deployer *engine.Deployer

	refresher *strategy.Refresher
}

// Deploy 部署指定版本；manifest 为 nil 时沿用配置中的清单。
func (r *Runtime) Deploy(ctx context.Context, version string, manifest []string) error {
	if manifest == nil {
		manifest = r.Config.Manifest
	}
	return r.Deployer.Deploy(ctx, version, manifest)
}

// Set 持有全部站点运行时，按名称查询。
type Set struct {
	logger  *logrus.Logger
	factory *storageFactory
	byName  map[string]*Runtime
	ordered []*Runtime
}

// Option 调整 Build 的行为，主要用于测试注入 Fetcher。
type Option func(*buildOptions)

type buildOptions struct {
	fetcher func(site config.SiteConfig) network.Fetcher
}

// WithFetcher 为所有站点使用给定的 Fetcher 构造函数。
func WithFetcher(fn func(site config.SiteConfig) network.Fetcher) Option {
	return func(o *buildOptions) {
		o.fetcher = fn
	}
}

// Build 为配置中的每个站点创建运行时，此时尚未部署任何版本。
func Build(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Set, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	options := buildOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.fetcher == nil {
		options.fetcher = func(site config.SiteConfig) network.Fetcher {
			client := network.NewClient(cfg.Global.UpstreamTimeout.DurationValue(), site.ProxyURL())
			return network.NewHTTPFetcher(client, cfg.Global.MaxEntrySize)
		}
	}

	factory, err := newStorageFactory(cfg.Global)
	if err != nil {
		return nil, err
	}
	set := &Set{
		logger:  logger,
		factory: factory,
		byName:  make(map[string]*Runtime, len(cfg.Sites)),
	}
	for _, siteCfg := range cfg.Sites {
		runtime, err := buildRuntime(cfg.Global, siteCfg, factory, options.fetcher(siteCfg), logger)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.byName[siteCfg.Name] = runtime
		set.ordered = append(set.ordered, runtime)
	}
	return set, nil
}

func buildRuntime(global config.GlobalConfig, siteCfg config.SiteConfig, factory *storageFactory, fetcher network.Fetcher, logger *logrus.Logger) (*Runtime, error) {
	storage, err := factory.open(siteCfg.Name)
	if err != nil {
		return nil, err
	}
	refresher := strategy.NewRefresher(strategy.RefresherOptions{
		Workers:   global.RefreshWorkers,
		QueueSize: global.RefreshQueueSize,
		Timeout:   global.UpstreamTimeout.DurationValue(),
		Logger:    logger,
	})
	classifier := strategy.NewClassifier(siteCfg.ImageExtensions, siteCfg.AssetExtensions)
	origin := siteCfg.OriginURL()

	deployer, err := engine.NewDeployer(engine.DeployerOptions{
		Site:           siteCfg.Name,
		Fetcher:        fetcher,
		NetworkTimeout: global.NetworkTimeout.DurationValue(),
		Logger:         logger,
		Factory: func(version string, manifest []string) (*engine.Engine, error) {
			return engine.New(engine.Options{
				Site:                siteCfg.Name,
				Version:             version,
				Manifest:            manifest,
				Origin:              origin,
				Storage:             storage,
				Fetcher:             fetcher,
				Classifier:          classifier,
				Refresher:           refresher,
				NetworkTimeout:      global.NetworkTimeout.DurationValue(),
				PrecacheConcurrency: global.PrecacheConcurrency,
				MaxRetries:          global.MaxRetries,
				InitialBackoff:      global.InitialBackoff.DurationValue(),
				Logger:              logger,
			})
		},
	})
	if err != nil {
		refresher.Close()
		_ = storage.Close()
		return nil, err
	}
	return &Runtime{
		Config:    siteCfg,
		Storage:   storage,
		Deployer:  deployer,
		refresher: refresher,
	}, nil
}

// Get 按名称返回站点运行时。
func (s *Set) Get(name string) (*Runtime, bool) {
	if s == nil {
		return nil, false
	}
	runtime, ok := s.byName[name]
	return runtime, ok
}

// List 按配置顺序返回全部站点。
func (s *Set) List() []*Runtime {
	if s == nil {
		return nil
	}
	return append([]*Runtime(nil), s.ordered...)
}

// DeployConfigured 部署每个站点配置中的版本；单个站点失败不影响其他站点，
// 失败的站点保持直通状态，错误合并返回。
func (s *Set) DeployConfigured(ctx context.Context) error {
	var errs []error
	for _, runtime := range s.ordered {
		if err := runtime.Deploy(ctx, runtime.Config.Version, runtime.Config.Manifest); err != nil {
			s.logger.WithFields(logrus.Fields{
				"action":  "deploy",
				"site":    runtime.Config.Name,
				"version": runtime.Config.Version,
			}).WithError(err).Error("initial deploy failed, site runs in passthrough mode")
			errs = append(errs, fmt.Errorf("site %s: %w", runtime.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Close 终止所有引擎并释放存储。
func (s *Set) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, runtime := range s.ordered {
		runtime.Deployer.Terminate()
		runtime.refresher.Close()
		if err := runtime.Storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.factory != nil {
		if err := s.factory.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
