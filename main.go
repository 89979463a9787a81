package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
)

const shutdownTimeout = 10 * time.Second

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
		fields["cache_name"] = cfg.Shell.CacheName
		fields["policy"] = cfg.Shell.Policy
		fields["precache"] = len(cfg.Shell.Precache)
		fields["storage_backend"] = cfg.Storage.Backend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, opts.configPath, logger); err != nil {
		fmt.Fprintf(stdErr, "服务运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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

// components 聚合启动阶段构建的运行时依赖，便于 serve 与测试共享同一套装配逻辑。
type components struct {
	storage cache.Storage
	agent   *policy.Agent
	driver  *lifecycle.Driver
	app     *fiber.App
}

// buildComponents 按“配置 → 缓存存储 → Fetcher → Agent → Driver → Fiber app”顺序装配，
// 保证所有请求共享同一个存储与上游客户端。
func buildComponents(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*components, error) {
	storage, err := cache.NewStorage(ctx, cache.Options{
		Backend:       cfg.Storage.Backend,
		Path:          cfg.Storage.Path,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
		RedisPrefix:   cfg.Storage.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	built, err := assemble(cfg, storage, logger)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	return built, nil
}

func assemble(cfg *config.Config, storage cache.Storage, logger *logrus.Logger) (*components, error) {
	agentOpts, err := policy.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.NewHTTPFetcher(fetch.NewClient(cfg.Global.UpstreamTimeout.DurationValue()), agentOpts.Origin)
	if err != nil {
		return nil, fmt.Errorf("构建上游客户端失败: %w", err)
	}
	agent, err := policy.NewAgent(storage, fetcher, logger, agentOpts)
	if err != nil {
		return nil, fmt.Errorf("构建缓存策略失败: %w", err)
	}
	gate := lifecycle.NewGate()
	driver := lifecycle.NewDriver(agent, gate, logger, cfg.Shell.ClaimOrder)

	hosts, err := server.NewHostRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建 Host 映射失败: %w", err)
	}
	passthrough := proxy.NewPassthrough(fetcher, logger)
	handler, err := proxy.NewHandler(agent, passthrough, logger)
	if err != nil {
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Hosts:      hosts,
		Proxy:      proxy.NewForwarder(gate, handler, passthrough, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, driver, agent, hosts)

	return &components{
		storage: storage,
		agent:   agent,
		driver:  driver,
		app:     app,
	}, nil
}

// serve 先开始监听，再在后台执行 install → activate：Claim 之前请求直接放行，
// 与页面在 agent 接管前的行为一致。收到退出信号后依次停止 Fiber、等待后台写入、关闭存储。
func serve(ctx context.Context, cfg *config.Config, configPath string, logger *logrus.Logger) error {
	built, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.storage.Close(); err != nil {
			logger.WithError(err).Warn("storage_close_failed")
		}
	}()

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_name"] = cfg.Shell.CacheName
	fields["policy"] = built.agent.Policy()
	fields["storage_backend"] = cfg.Storage.Backend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   cfg.Global.ListenPort,
		}).Info("Fiber 服务启动")
		listenErr <- built.app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
	}()

	lifecycleDone := make(chan error, 1)
	go func() {
		lifecycleDone <- startLifecycle(ctx, cfg, built.driver, logger)
	}()
	var installErr <-chan error = lifecycleDone
	claimed := built.driver.Gate().Done()

	var runErr error
	for done := false; !done; {
		select {
		case <-ctx.Done():
			logger.WithField("action", "shutdown").Info("收到退出信号")
			done = true
		case err := <-listenErr:
			runErr = fmt.Errorf("HTTP 服务启动失败: %w", err)
			done = true
		case <-claimed:
			claimed = nil
			logger.WithFields(logging.PolicyFields("claim", cfg.Shell.CacheName, built.agent.Policy())).
				WithField("claim_order", cfg.Shell.ClaimOrder).
				Info("clients_claimed")
		case err := <-installErr:
			installErr = nil
			if err != nil {
				runErr = err
				done = true
			}
		}
	}

	if err := built.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.WithError(err).Warn("fiber_shutdown_failed")
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := built.agent.Drain(drainCtx); err != nil {
		logger.WithError(err).Warn("background_writes_abandoned")
	}
	return runErr
}

// startLifecycle 执行 install → activate。安装失败时默认保持放行模式继续服务，
// AbortOnInstallFailure=true 时返回错误使进程退出。
func startLifecycle(ctx context.Context, cfg *config.Config, driver *lifecycle.Driver, logger *logrus.Logger) error {
	err := driver.Start(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	entry := logger.WithFields(logging.PolicyFields("lifecycle", cfg.Shell.CacheName, cfg.Shell.Policy)).
		WithField("state", string(driver.State())).
		WithError(err)
	if cfg.Shell.AbortOnInstallFailure && errors.Is(err, policy.ErrPrecacheFailed) {
		entry.Error("install_failed")
		return fmt.Errorf("安装失败: %w", err)
	}
	entry.Warn("lifecycle_degraded")
	return nil
}
