package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
	"github.com/any-hub/shellcache/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var errUnknownBackend = errors.New("unknown cache backend")

// serve 启动顺序为“配置 → 存储 → 网络 → 控制器注册 → Fiber server”，
// 所有请求共享同一个 Lifecycle 与存储实例。
func serve(ctx context.Context, cfg *config.Config, opts cliOptions, logger *logrus.Logger) error {
	storage, err := newStorage(cfg.Global)
	if err != nil {
		return fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	defer storage.Close()

	client, err := server.NewUpstreamClient(cfg)
	if err != nil {
		return err
	}
	network := proxy.NewNetwork(client)
	origin, err := url.Parse(cfg.App.Origin)
	if err != nil {
		return fmt.Errorf("解析源站地址失败: %w", err)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["cache_name"] = cfg.App.CacheName()
	fields["backend"] = cfg.Global.CacheBackend
	fields["listen_port"] = cfg.Global.ListenPort
	fields["manifest_count"] = len(cfg.App.Manifest)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	lifecycle := server.NewLifecycle(logger)
	defer lifecycle.Shutdown()

	if err := registerController(ctx, lifecycle, cfg, storage, network, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// 激活失败时实例不接管请求，服务仍以直接转发方式运行。
		logger.WithFields(fields).WithError(err).Warn("控制器未接管请求")
	}

	if opts.watch {
		watchConfig(ctx, opts.configPath, cfg, lifecycle, storage, network, logger)
	}

	handler := proxy.NewHandler(lifecycle, network, origin, logger, cfg.Global.ListenPort)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, lifecycle, storage)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.WithError(err).Warn("Fiber 服务关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.Global.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort), fiber.ListenConfig{
		DisableStartupMessage: true,
	})
}

// watchConfig 在配置变更且缓存名变化时注册新的控制器。
// 端口、日志与存储后端的变更需要重启进程才能生效。
func watchConfig(ctx context.Context, path string, current *config.Config, lifecycle *server.Lifecycle, storage cache.Storage, network worker.Network, logger *logrus.Logger) {
	lastName := current.App.CacheName()
	err := config.Watch(path, func(cfg *config.Config, err error) {
		fields := logging.BaseFields("config_reload", path)
		if err != nil {
			logger.WithFields(fields).WithError(err).Warn("配置重新加载失败，保留当前版本")
			return
		}
		name := cfg.App.CacheName()
		fields["cache_name"] = name
		if name == lastName {
			logger.WithFields(fields).Debug("缓存名未变化，忽略配置变更")
			return
		}
		lastName = name
		if err := registerController(ctx, lifecycle, cfg, storage, network, logger); err != nil {
			logger.WithFields(fields).WithError(err).Warn("新版本注册失败")
		}
	})
	if err != nil {
		logger.WithError(err).Warn("配置监听启动失败")
	}
}

func registerController(ctx context.Context, lifecycle *server.Lifecycle, cfg *config.Config, storage cache.Storage, network worker.Network, logger *logrus.Logger) error {
	ctrl, err := newController(cfg, storage, network, logger)
	if err != nil {
		return err
	}
	return lifecycle.Register(ctx, ctrl)
}

func newController(cfg *config.Config, storage cache.Storage, network worker.Network, logger *logrus.Logger) (*worker.Controller, error) {
	origin, err := url.Parse(cfg.App.Origin)
	if err != nil {
		return nil, fmt.Errorf("解析源站地址失败: %w", err)
	}
	return worker.New(worker.Options{
		Identity:           worker.Identity{Prefix: cfg.App.Prefix, Version: cfg.App.Version},
		Origin:             origin,
		Manifest:           cfg.App.Manifest,
		FallbackDocument:   cfg.App.FallbackDocument,
		IgnoredSchemes:     cfg.App.IgnoredSchemes,
		InstallConcurrency: cfg.Global.InstallConcurrency,
		Storage:            storage,
		Network:            network,
		Logger:             logger,
	})
}

// newStorage 按 CacheBackend 选择缓存后端。
func newStorage(global config.GlobalConfig) (cache.Storage, error) {
	switch global.CacheBackend {
	case config.BackendFS, "":
		return cache.NewFSStorage(global.StoragePath)
	case config.BackendSQLite:
		return cache.NewSQLiteStorage(global.StoragePath)
	case config.BackendMemory:
		return cache.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownBackend, global.CacheBackend)
	}
}

// listCaches 输出每个缓存的名称、条目数以及相对当前版本的状态。
func listCaches(ctx context.Context, cfg *config.Config) error {
	storage, err := newStorage(cfg.Global)
	if err != nil {
		return err
	}
	defer storage.Close()

	identity := worker.Identity{Prefix: cfg.App.Prefix, Version: cfg.App.Version}
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(stdOut, "没有缓存")
		return nil
	}
	for _, name := range names {
		store, err := storage.Lookup(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		state := "other"
		switch {
		case name == identity.CacheName():
			state = "current"
		case identity.IsStale(name):
			state = "stale"
		}
		fmt.Fprintf(stdOut, "%s\t%d\t%s\n", name, len(keys), state)
	}
	return nil
}
