package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/offline"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI 启动遵循“配置 → 分区存储 → SiteRegistry → 各站点 Manager → Fiber server”顺序，
	// 所有站点共享同一个存储与上游 http.Client。
	store, err := cache.Open(ctx, cache.Options{
		Backend:       cfg.Global.StorageBackend,
		Path:          cfg.Global.StoragePath,
		RedisAddr:     cfg.Global.RedisAddr,
		RedisPassword: cfg.Global.RedisPassword,
		RedisDB:       cfg.Global.RedisDB,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	registry, err := server.NewSiteRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := buildManagers(cfg, store, server.NewUpstreamClient(cfg), logger, forwarder); err != nil {
		fmt.Fprintf(stdErr, "初始化站点失败: %v\n", err)
		return 1
	}
	defer func() {
		for _, manager := range forwarder.Managers() {
			manager.Wait()
		}
	}()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = config.SiteNames(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	go registerSites(ctx, forwarder.Managers(), logger)

	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildManagers 为每个站点创建 Manager 并登记到 forwarder。
func buildManagers(cfg *config.Config, store cache.Store, client *http.Client, logger *logrus.Logger, forwarder *proxy.Forwarder) error {
	for _, site := range cfg.Sites {
		manifest, err := offline.ManifestFromConfig(cfg, site)
		if err != nil {
			return err
		}
		manager, err := offline.NewManager(offline.Options{
			Manifest:     manifest,
			Store:        store,
			Client:       client,
			Logger:       logger,
			MaxEntrySize: cfg.Global.MaxEntrySize,
		})
		if err != nil {
			return fmt.Errorf("site %s: %w", site.Name, err)
		}
		if err := forwarder.Register(manager); err != nil {
			return err
		}
	}
	return nil
}

// registerSites 并发安装各站点。安装失败只记录日志，该站点继续以透传模式服务。
func registerSites(ctx context.Context, managers []*offline.Manager, logger *logrus.Logger) {
	var group errgroup.Group
	for _, manager := range managers {
		group.Go(func() error {
			if err := manager.Register(ctx); err != nil {
				fields := logging.LifecycleFields(manager.Name(), manager.Manifest().Version, string(manager.Status().State))
				fields["action"] = "register"
				logger.WithError(err).WithFields(fields).Warn("站点安装失败，继续透传")
				return nil
			}
			status := manager.Status()
			fields := logging.LifecycleFields(status.Site, status.ActiveVersion, string(status.State))
			fields["action"] = "register"
			fields["partitions"] = status.Partitions
			logger.WithFields(fields).Info("站点离线缓存就绪")
			return nil
		})
	}
	_ = group.Wait()
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, forwarder *proxy.Forwarder, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterPolicyRoutes(app)
	routes.RegisterMetricsRoute(app)
	routes.RegisterSiteRoutes(app, registry, forwarder, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
