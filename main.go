package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/config"
	"github.com/any-hub/lfs-cache/internal/download"
	"github.com/any-hub/lfs-cache/internal/logging"
	"github.com/any-hub/lfs-cache/internal/metrics"
	"github.com/any-hub/lfs-cache/internal/origin"
	"github.com/any-hub/lfs-cache/internal/proxy"
	"github.com/any-hub/lfs-cache/internal/server"
	"github.com/any-hub/lfs-cache/internal/server/routes"
	"github.com/any-hub/lfs-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

// drainTimeout 为退出时等待进行中拉取收尾的上限。
const drainTimeout = 30 * time.Second

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
		fields["namespaces"] = len(cfg.Namespaces)
		fields["outbound"] = cfg.ProxyModes()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts.configPath); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serve 按“配置 → 命名空间注册表 → 磁盘缓存 → 协调器 → Fiber server”顺序装配，
// 所有请求共享同一个缓存与协调器实例。ctx 结束后停止监听并等待拉取收尾。
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string) error {
	registry, err := server.NewNamespaceRegistry(cfg)
	if err != nil {
		return fmt.Errorf("构建命名空间注册表失败: %w", err)
	}

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	var (
		gatherer prometheus.Gatherer
		recorder *metrics.Recorder
	)
	if cfg.Global.MetricsEnabled {
		reg := metrics.NewRegistry()
		gatherer = reg
		recorder = metrics.New(reg)
	}

	client := origin.NewClient(server.NewUpstreamClient(cfg), origin.Options{
		ReadTimeout: cfg.Global.UpstreamReadTimeout.DurationValue(),
		UserAgent:   version.UserAgent(),
	})
	coord := download.NewCoordinator(store, client, download.Options{
		ChunkSize:     cfg.Global.ChunkSize.Int(),
		ResumePartial: cfg.Global.ResumePartial,
		Retention:     cfg.Global.OutcomeRetention.DurationValue(),
		Logger:        logger,
		Metrics:       recorder,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(logger, store, coord, recorder),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterAdminRoutes(app, routes.Deps{
		Registry:    registry,
		Store:       store,
		Coordinator: coord,
		Gatherer:    gatherer,
		Logger:      logger,
		StartedAt:   time.Now(),
	})

	fields := logging.BaseFields("startup", configPath)
	fields["namespaces"] = len(cfg.Namespaces)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_path"] = cfg.Global.StoragePath
	fields["chunk_size"] = cfg.Global.ChunkSize.String()
	fields["outbound"] = cfg.ProxyModes()
	fields["build"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 残留临时文件的清理可能较慢，与监听并行进行。
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		removed, err := store.Sweep(gctx)
		if err != nil {
			logger.WithError(err).WithField("action", "sweep").Warn("清理残留临时文件失败")
			return nil
		}
		if removed > 0 {
			logger.WithFields(logrus.Fields{"action": "sweep", "removed": removed}).Info("已清理残留临时文件")
		}
		return nil
	})
	g.Go(func() error {
		return server.Serve(gctx, app, cfg.Global.ListenPort, logger)
	})
	serveErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := coord.Shutdown(drainCtx); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("等待拉取结束超时")
	}
	return serveErr
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("lfs-cache", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 LFS_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("LFS_CACHE_CONFIG")
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
