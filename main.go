package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/cache"
	"github.com/mirror-hub/mirror-hub/internal/config"
	"github.com/mirror-hub/mirror-hub/internal/health"
	"github.com/mirror-hub/mirror-hub/internal/logging"
	"github.com/mirror-hub/mirror-hub/internal/metrics"
	"github.com/mirror-hub/mirror-hub/internal/prewarm"
	"github.com/mirror-hub/mirror-hub/internal/scheduler"
	"github.com/mirror-hub/mirror-hub/internal/server"
	"github.com/mirror-hub/mirror-hub/internal/server/routes"
	"github.com/mirror-hub/mirror-hub/internal/syncer"
	"github.com/mirror-hub/mirror-hub/internal/version"
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
		fields["sources"] = len(cfg.Sources)
		fields["namespaces"] = len(cfg.Namespaces)
		fields["credentials"] = config.CredentialModes(cfg.Sources)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	if err := serve(cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 缓存 → 引擎 → Fiber server”的顺序装配并启动全部组件。
func serve(cfg *config.Config, configPath string, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.New(prometheus.NewRegistry())

	index, err := cache.OpenIndex(filepath.Join(cfg.Global.CacheDir, "index.db"))
	if err != nil {
		return err
	}
	cacheMgr, err := cache.NewManager(filepath.Join(cfg.Global.CacheDir, "data"), cfg.Global.MaxCacheSize, index)
	if err != nil {
		index.Close()
		return err
	}
	defer cacheMgr.Close()
	cacheMgr.SetEvictObserver(func(cache.Entry) { collector.CacheEvictions.Inc() })

	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewNamespaceRegistry(cfg, httpClient)
	if err != nil {
		return err
	}

	mon := health.New(health.Options{
		Interval:         cfg.Global.HealthInterval.DurationValue(),
		Window:           cfg.Global.HealthWindow,
		HighThreshold:    cfg.Global.HealthHighThreshold,
		LowThreshold:     cfg.Global.HealthLowThreshold,
		FailureThreshold: cfg.Global.HealthFailureThreshold,
		RecoveryChecks:   cfg.Global.HealthRecoveryChecks,
	}, nil)
	mon.SetCollector(collector)
	mon.Start(ctx)
	defer mon.Stop()

	engine := syncer.New(cfg.Global, mon)
	sched := scheduler.New(cfg.Global, engine, mon, httpClient)
	sched.SetCollector(collector)
	for _, src := range cfg.Sources {
		if err := sched.AddSource(src); err != nil {
			return fmt.Errorf("register source %s: %w", src.Name, err)
		}
	}
	sched.Start(ctx)
	defer sched.Shutdown()

	proxyHandler := server.NewProxyHandler(logger, cacheMgr, registry, collector)

	// 预热复用代理的合并回源路径, 预热与在线请求不会重复拉上游。
	warm := func(ctx context.Context, loc cache.Locator) (int64, error) {
		route, ok := registry.Lookup(loc.Namespace)
		if !ok {
			return 0, fmt.Errorf("namespace %s is not mapped", loc.Namespace)
		}
		res, err := cacheMgr.Ensure(ctx, loc, route.TTL, func(ctx context.Context, dest string) (int64, error) {
			return route.Fetcher().Fetch(ctx, adapter.RemoteEntry{Path: loc.Path, Size: -1}, dest)
		})
		if err != nil {
			return 0, err
		}
		res.Reader.Close()
		return res.Entry.Size, nil
	}
	warmer := prewarm.New(warm, cacheMgr.Contains, prewarm.Options{
		Workers:      cfg.Global.PrewarmWorkers,
		HistorySize:  cfg.Global.PrewarmHistorySize,
		ScanInterval: cfg.Global.PopularScanInterval.DurationValue(),
		TopN:         cfg.Global.PopularTopN,
	})
	warmer.SetCollector(collector)
	cacheMgr.SetMissObserver(warmer.RecordMiss)
	warmer.Start(ctx)
	defer warmer.Stop()

	// 配置热更新只替换命名空间路由表, 源与全局参数在重启时生效。
	watcher := config.NewWatcher(configPath, cfg, logger)
	watcher.Start(func(next *config.Config) {
		if err := registry.Reload(next, httpClient); err != nil {
			logger.WithError(err).WithField("action", "config_reload").Warn("命名空间路由表更新失败")
		}
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterAPIRoutes(app, routes.Deps{
		Scheduler: sched,
		Engine:    engine,
		Cache:     cacheMgr,
		Prewarmer: warmer,
		Health:    mon,
		Registry:  registry,
	})

	fields := logging.BaseFields("startup", configPath)
	fields["sources"] = len(cfg.Sources)
	fields["namespaces"] = len(cfg.Namespaces)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("mirror-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MIRROR_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MIRROR_HUB_CONFIG")
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
