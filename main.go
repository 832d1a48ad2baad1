package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/cachegate/internal/config"
	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/proxy"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/server/routes"
	"github.com/any-hub/cachegate/internal/site"
	"github.com/any-hub/cachegate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = config.SiteNames(cfg.Sites)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 站点运行时 → 首次部署 → Host 注册表 → Fiber server。
	sites, err := site.Build(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := sites.Close(); err != nil {
			logger.WithError(err).Warn("关闭站点存储失败")
		}
	}()

	// 首次部署失败不阻止启动，对应站点以直通模式运行，可通过管理接口 /-/sites/:name/deploy 重试。
	_ = sites.DeployConfigured(context.Background())

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	forwarder := proxy.NewForwarder(func(name string) (proxy.Dispatcher, bool) {
		runtime, ok := sites.Get(name)
		if !ok {
			return nil, false
		}
		return runtime.Deployer, true
	}, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["admin_addr"] = cfg.Global.AdminListenAddr
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registry, sites, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// printVersion 输出版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("cachegate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 CACHEGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	return cliOptions{
		configPath:  config.ResolvePath(configFlag),
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 启动代理监听与（可选的）管理监听，任一退出时关闭另一个。
func startHTTPServer(cfg *config.Config, registry *server.SiteRegistry, sites *site.Set, handler server.SiteHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    handler,
		ListenPort: port,
		BodyLimit:  int(cfg.Global.MaxBodySize),
	})
	if err != nil {
		return err
	}

	apps := []*fiber.App{app}
	adminAddr := cfg.Global.AdminListenAddr
	var admin *fiber.App
	if adminAddr != "" {
		admin, err = server.NewAdminApp(server.AdminOptions{Logger: logger, Token: cfg.Global.AdminToken})
		if err != nil {
			return err
		}
		routes.RegisterSiteRoutes(admin, sites)
		apps = append(apps, admin)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		return app.Listen(fmt.Sprintf(":%d", port))
	})
	if admin != nil {
		group.Go(func() error {
			defer cancel()
			logger.WithFields(logrus.Fields{
				"action": "listen",
				"addr":   adminAddr,
				"auth":   cfg.Global.AdminToken != "",
			}).Info("管理接口启动")
			return admin.Listen(adminAddr)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		for _, a := range apps {
			if err := a.Shutdown(); err != nil {
				logger.WithError(err).Warn("关闭监听失败")
			}
		}
		return nil
	})

	return group.Wait()
}
