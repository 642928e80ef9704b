package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentRelay 的主服务器
type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	configPath string
	logger     *zap.Logger

	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector
	relay     *relay

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager
	watcher        *config.FileWatcher
}

// NewServer 创建新的服务器实例. loader 用于配置文件变更后的重新加载.
func NewServer(cfg *config.Config, loader *config.Loader, configPath string, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		loader:     loader,
		configPath: configPath,
		logger:     logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Init 初始化遥测、指标、relay 组件与 HTTP 服务器, 不开始监听.
func (s *Server) Init(ctx context.Context) error {
	// 1. OpenTelemetry
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	// 2. 指标收集器
	if s.cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.collector = metrics.NewCollector(s.cfg.Metrics.Namespace, s.registry, s.logger)
	}

	// 3. Relay 组件
	s.relay, err = buildRelay(ctx, s.cfg, s.collector, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build relay: %w", err)
	}

	if s.cfg.Sleep.SweepOnStart {
		n, err := s.relay.scheduler.SweepDue(ctx)
		if err != nil {
			s.logger.Warn("startup sleep sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("resumed overdue agents", zap.Int("count", n))
		}
	}

	// 4. HTTP 服务器
	s.initHTTPServer(ctx)

	// 5. 配置热更新（仅权限规则）
	if s.configPath != "" {
		if err := s.initWatcher(); err != nil {
			return fmt.Errorf("failed to init config watcher: %w", err)
		}
	}
	return nil
}

// Handler 返回完整的 API handler（含中间件）
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) initHTTPServer(ctx context.Context) {
	health := handlers.NewHealthHandler(Version, s.logger)
	health.RegisterCheck(handlers.NewPingCheck("relay", s.relay.Ping))

	mux := http.NewServeMux()
	handlers.Handlers{
		Contact:   handlers.NewContactHandler(s.relay.orch, s.logger),
		Agents:    handlers.NewAgentHandler(s.relay.stores.Agents, s.relay.scheduler, s.logger),
		Approvals: handlers.NewApprovalHandler(s.relay.gate, s.logger),
		Health:    health,
	}.Register(mux)
	mux.HandleFunc("GET /version", health.HandleVersion(BuildTime, GitCommit))

	skipAuthPaths := []string{"/health", "/ready", "/version"}
	if s.registry != nil {
		metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
		if s.cfg.Server.MetricsPort == 0 {
			mux.Handle("GET "+s.cfg.Metrics.Path, metricsHandler)
			skipAuthPaths = append(skipAuthPaths, s.cfg.Metrics.Path)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(s.cfg.Metrics.Path, metricsHandler)
			s.metricsManager = server.NewManager(metricsMux, server.Config{
				Name:            "metrics",
				Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
				ReadTimeout:     s.cfg.Server.ReadTimeout,
				WriteTimeout:    s.cfg.Server.ReadTimeout,
				ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
			}, s.logger)
		}
	}

	s.handler = Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		s.authMiddleware(skipAuthPaths),
	)

	s.httpManager = server.NewManager(s.handler, server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		TLSCertFile:     s.cfg.Server.TLSCertFile,
		TLSKeyFile:      s.cfg.Server.TLSKeyFile,
	}, s.logger)
}

// authMiddleware 配置了 JWT 密钥时使用 JWTAuth, 否则退回 API Key 鉴权
func (s *Server) authMiddleware(skipPaths []string) Middleware {
	if s.cfg.Server.JWT.Enabled() {
		return JWTAuth(s.cfg.Server.JWT, s.cfg.Server.APIKeys, skipPaths, s.logger)
	}
	return APIKeyAuth(s.cfg.Server.APIKeys, skipPaths, s.logger)
}

// initWatcher 监听配置文件, 变更后重新加载并替换权限规则.
// 其余配置项需重启生效.
func (s *Server) initWatcher() error {
	w, err := config.NewFileWatcher(s.configPath, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnChange(s.reloadPermissions)
	s.watcher = w
	return nil
}

func (s *Server) reloadPermissions(ev config.FileEvent) {
	if ev.Op == config.FileOpRemove {
		s.logger.Warn("config file removed, keeping current permissions", zap.String("path", ev.Path))
		return
	}
	cfg, err := s.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		s.logger.Error("config reload failed, keeping current permissions", zap.Error(err))
		return
	}
	if err := applyPermissions(s.relay.oracle, cfg.Permissions); err != nil {
		s.logger.Error("permission reload rejected", zap.Error(err))
		return
	}
	s.logger.Info("permissions reloaded",
		zap.Int("rules", len(cfg.Permissions.Rules)),
		zap.String("default", string(cfg.Permissions.Default)),
	)
}

// =============================================================================
// 🏃 运行与关闭
// =============================================================================

// Run 运行所有组件, 直到 ctx 取消或任一组件失败, 然后优雅关闭.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.relay.dispatcher.Start(gctx) })
	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	if s.watcher != nil {
		if err := s.watcher.Start(gctx); err != nil {
			return err
		}
	}

	s.logger.Info("AgentRelay started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Type),
		zap.String("dispatcher", s.cfg.Dispatcher.Type),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)

	err := g.Wait()
	if shutdownErr := s.Shutdown(context.Background()); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

// Shutdown 释放 Run 之外持有的资源
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Starting graceful shutdown...")

	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}

	s.logger.Info("Graceful shutdown completed")
	return errors.Join(errs...)
}
