package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/sitecache/internal/cache"
	"github.com/any-hub/sitecache/internal/config"
	"github.com/any-hub/sitecache/internal/logging"
	"github.com/any-hub/sitecache/internal/preloader"
	"github.com/any-hub/sitecache/internal/proxy"
	"github.com/any-hub/sitecache/internal/server"
	"github.com/any-hub/sitecache/internal/server/routes"
	"github.com/any-hub/sitecache/internal/staleness"
	"github.com/any-hub/sitecache/internal/version"
	"github.com/any-hub/sitecache/internal/worker"
)

// warmupClientID 是启动预热使用的页面 ID，不对应真实浏览器页面。
const warmupClientID = "sitecache-warmup"

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

	workerOpts, err := buildWorkerOptions(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "配置无效: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["site"] = cfg.Site.ID
		fields["store"] = cfg.Site.StoreName()
		fields["manifest"] = len(cfg.Site.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → leveldb 缓存 → Worker 注册 → Fiber server，
	// 保证第一个请求到达前当前版本已完成安装与迁移。
	storage, err := cache.OpenLevelDB(cfg.Global.StoragePath, cache.Options{MaxBytes: cfg.Global.MaxStorageBytes})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg.Global)
	container := worker.NewContainer(workerOpts, storage, httpClient, logger)
	defer container.Close()

	ctx := context.Background()
	reg, err := container.Register(ctx, workerOpts.Script)
	if err != nil {
		fmt.Fprintf(stdErr, "Worker 注册失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["site"] = cfg.Site.ID
	fields["origin"] = cfg.Site.Origin
	fields["store"] = reg.Worker.StoreName()
	fields["precached"] = len(reg.Install.Cached)
	fields["precache_failed"] = len(reg.Install.Failed)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	agent, err := startWarmup(ctx, cfg, workerOpts.Origin, container, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "预热初始化失败: %v\n", err)
		return 1
	}
	defer agent.Close()

	handler := proxy.NewHandler(container, workerOpts.Origin, logger)
	if err := startHTTPServer(cfg, container, storage, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("sitecache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SITECACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SITECACHE_CONFIG")
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

// buildWorkerOptions 把配置翻译为 Worker 的公共参数。
func buildWorkerOptions(cfg *config.Config) (worker.Options, error) {
	origin, err := url.Parse(cfg.Site.Origin)
	if err != nil {
		return worker.Options{}, fmt.Errorf("解析站点 origin 失败: %w", err)
	}
	policy, err := staleness.NewPolicy(staleness.Thresholds{
		Asset:    cfg.Staleness.AssetTTL.DurationValue(),
		Document: cfg.Staleness.DocumentTTL.DurationValue(),
	})
	if err != nil {
		return worker.Options{}, err
	}
	return worker.Options{
		Script:           worker.Script{URL: cfg.Site.ScriptURL, Version: cfg.Site.CacheVersion},
		SiteID:           cfg.Site.ID,
		Origin:           origin,
		Manifest:         append([]string(nil), cfg.Site.Manifest...),
		FallbackDocument: cfg.Site.FallbackDocument,
		Policy:           policy,
		FetchTimeout:     cfg.Global.FetchTimeout.DurationValue(),
	}, nil
}

// startWarmup 以一个内部页面身份运行预取代理：注册 Worker 并在 settle delay 后预取热门路由。
func startWarmup(ctx context.Context, cfg *config.Config, origin *url.URL, container *worker.Container, logger *logrus.Logger) (*preloader.Agent, error) {
	client := container.Client(warmupClientID)
	agent, err := preloader.NewAgent(preloader.Options{
		Base:           origin,
		ScriptURL:      cfg.Site.ScriptURL,
		DebounceWindow: cfg.Preloader.DebounceWindow.DurationValue(),
		SettleDelay:    cfg.Preloader.SettleDelay.DurationValue(),
		TopRoutes:      cfg.Preloader.TopRoutes,
		Disabled:       cfg.Preloader.DevMode,
	}, client, client, client, logger)
	if err != nil {
		return nil, err
	}
	agent.Init(ctx)
	return agent, nil
}

func startHTTPServer(cfg *config.Config, container *worker.Container, storage cache.Storage, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnostics(app, container, storage)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
