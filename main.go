package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"McpHub/internal/auth"
	"McpHub/internal/client"
	"McpHub/internal/config"
	"McpHub/internal/dynamic"
	"McpHub/internal/handlers"
	"McpHub/internal/logger"
	"McpHub/internal/manager"
	"McpHub/internal/marketplace"
	"McpHub/internal/process"
	"McpHub/internal/prompt"
	"McpHub/internal/store"
	"McpHub/internal/transport"

	flag "github.com/spf13/pflag"
)

var (
	configPath = flag.StringP("config", "c", "config/config.yaml", "path to config file")
	logLevel   = flag.String("log-level", "", "override logging.level (debug, info, warn, error)")
	noAPI      = flag.Bool("no-api", false, "do not start the local HTTP API")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// 配置日志
	var logOut io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatal("Failed to open log file %s: %v", cfg.Logging.File, err)
		}
		defer f.Close()
		logOut = f
	}
	logger.Init(logOut, cfg.Logging.Format, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 创建设置存储
	settings, err := store.Open(cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open storage: %v", err)
	}
	defer settings.Close()

	// 创建连接注册表
	host := process.NewHost()
	registry := manager.NewRegistry(manager.Options{
		Store: settings,
		Factory: manager.NewClientFactory(client.Options{
			Name:    cfg.Remote.ClientName,
			Version: cfg.Remote.ClientVersion,
			Transport: transport.Options{
				Host:            host,
				SSEEndpointWait: cfg.Remote.SSEEndpointWait,
			},
		}),
		ConnectTimeout:           cfg.Remote.ConnectTimeout,
		RequestTimeout:           cfg.Remote.RequestTimeout,
		DefaultMarketplaceSource: cfg.Marketplace.DefaultSource,
	})
	if err := registry.Load(ctx); err != nil {
		logger.Warn("Continuing with empty settings: %v", err)
	}
	registry.ConnectAllServers(ctx)
	go logSnapshots(ctx, registry)

	// 动态服务
	dynamicServices := dynamic.NewManager(dynamic.Options{
		BaseDir:     cfg.Dynamic.BaseDir,
		Interpreter: cfg.Dynamic.Interpreter,
		MinVersion:  cfg.Dynamic.MinVersion,
		AutoApprove: cfg.Dynamic.AutoApprove,
		Registry:    registry,
		Store:       settings,
		Confirmer:   prompt.NewTerminal(),
		Emit: func(event dynamic.Event) {
			logger.InfoWithFields("dynamic service event", map[string]interface{}{
				"type":       string(event.Type),
				"service_id": event.Service.ID,
				"status":     string(event.Service.Status),
			})
		},
	})
	if err := dynamicServices.Init(ctx); err != nil {
		logger.Warn("Dynamic services init failed: %v", err)
	}

	market := marketplace.NewDefault(cfg.Marketplace)
	registry.StartAutoSync(ctx, manager.LocalFileCollector)

	var srv *http.Server
	if cfg.Server.Enabled && !*noAPI {
		authMiddleware := auth.NewAuthMiddleware(&cfg.Auth)
		srv = &http.Server{
			Addr:              cfg.Server.GetServerAddr(),
			Handler:           handlers.NewHandler(registry, market, dynamicServices).Routes(authMiddleware.Middleware),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Local API listening on %s (auth enabled: %v)", srv.Addr, authMiddleware.IsEnabled())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Local API failed: %v", err)
				stop()
			}
		}()
	}

	logger.Info("McpHub started with %d servers", len(registry.Snapshot().Servers))
	<-ctx.Done()
	logger.Info("Received shutdown signal")

	// 优雅关闭
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Local API shutdown: %v", err)
		}
		cancel()
	}
	if n := dynamicServices.CleanupTempServices(); n > 0 {
		logger.Info("Removed %d temporary dynamic services", n)
	}
	registry.Close()
	host.CloseAll()
	logger.Info("Shutdown complete")
}

// logSnapshots 在调试级别记录注册表的每次变化
func logSnapshots(ctx context.Context, registry *manager.Registry) {
	updates, cancel := registry.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			logger.Debug("registry v%d: %d servers, %d connected, %d tools",
				snap.Version, len(snap.Servers), len(snap.Connected), len(snap.Tools))
		}
	}
}
