package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/sketchflow/api/handlers"
	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/inference"
	"github.com/BaSui01/sketchflow/internal/metrics"
	"github.com/BaSui01/sketchflow/internal/server"
	"github.com/BaSui01/sketchflow/internal/telemetry"
)

// 转换端点，自行处理 CORS
var transformRoutes = []string{"/api/transform", "/api/v1/transform"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 SketchFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 可选依赖
	level      *zap.AtomicLevel
	otel       *telemetry.Providers
	loader     *config.Loader
	configPath string

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler    *handlers.HealthHandler
	transformHandler *handlers.TransformHandler

	// 上游客户端
	client *inference.Client

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台任务（限流清理、配置监听）生命周期
	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// ServerOption 服务器选项
type ServerOption func(*Server)

// WithLogLevel 允许配置热更新调整日志级别
func WithLogLevel(level zap.AtomicLevel) ServerOption {
	return func(s *Server) { s.level = &level }
}

// WithTelemetry 关闭时一并刷新遥测数据
func WithTelemetry(p *telemetry.Providers) ServerOption {
	return func(s *Server) { s.otel = p }
}

// WithConfigWatch 监听配置文件变更，path 为空时不监听
func WithConfigWatch(loader *config.Loader, path string) ServerOption {
	return func(s *Server) {
		s.loader = loader
		s.configPath = path
	}
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("sketchflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(s.metricsCollector); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bgDone = make(chan struct{})

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(bgCtx); err != nil {
		cancel()
		s.bgCancel = nil
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		cancel()
		s.bgCancel = nil
		_ = s.httpManager.Shutdown(context.Background())
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 5. 配置文件监听
	s.startConfigWatcher(bgCtx)

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("config_watch", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化上游客户端与所有 handlers
func (s *Server) initHandlers(collector *metrics.Collector) error {
	client, err := inference.NewClient(
		inference.FromUpstream(s.cfg.Upstream),
		s.logger,
		inference.WithRecorder(collector),
	)
	if err != nil {
		return fmt.Errorf("failed to create inference client: %w", err)
	}
	s.client = client

	// 健康检查 handler，就绪探针依赖上游可达
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewUpstreamHealthCheck(client, s.cfg.Upstream.WarmupTimeout))

	s.transformHandler = handlers.NewTransformHandler(
		client,
		handlers.NewTransformConfig(s.cfg.Proxy),
		s.logger,
	).WithRecorder(collector)

	s.logger.Info("Handlers initialized",
		zap.Strings("candidate_paths", s.cfg.Upstream.CandidatePaths),
		zap.Bool("token_configured", s.cfg.Upstream.Token != ""),
	)
	return nil
}

// routes 注册路由并构建中间件链
func (s *Server) routes(ctx context.Context, collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 转换端点（兼容旧路径与版本化路径）
	for _, route := range transformRoutes {
		mux.HandleFunc(route, s.transformHandler.HandleTransform)
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins, transformRoutes),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, transformRoutes, s.logger),
	)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(s.routes(ctx, s.metricsCollector), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器，端口为 0 时跳过
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🔄 配置监听
// =============================================================================

// startConfigWatcher 监听配置文件，变更后调整日志级别。
// 其余字段需要重启才能生效。
func (s *Server) startConfigWatcher(ctx context.Context) {
	if s.configPath == "" || s.loader == nil {
		close(s.bgDone)
		return
	}

	watcher := config.NewWatcher(s.loader, s.configPath, config.WithWatcherLogger(s.logger))
	watcher.OnReload(s.applyReload)

	go func() {
		defer close(s.bgDone)
		if err := watcher.Run(ctx); err != nil {
			s.logger.Warn("config watcher exited", zap.Error(err))
		}
	}()
}

// applyReload 应用可热更新的配置项
func (s *Server) applyReload(cfg *config.Config) {
	if s.level != nil {
		next := parseLevel(cfg.Log.Level)
		if s.level.Level() != next {
			s.level.SetLevel(next)
			s.logger.Info("log level changed", zap.String("level", next.String()))
		}
	}
	if cfg.Upstream.BaseURL != s.cfg.Upstream.BaseURL || cfg.Server.HTTPPort != s.cfg.Server.HTTPPort {
		s.logger.Warn("config change requires restart to take effect")
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或服务器异常，然后优雅关闭
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var httpErrs, metricsErrs <-chan error
	if s.httpManager != nil {
		httpErrs = s.httpManager.Errors()
	}
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}

	select {
	case sig := <-quit:
		s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-httpErrs:
		s.logger.Error("HTTP server error", zap.Error(err))
	case err := <-metricsErrs:
		s.logger.Error("Metrics server error", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	// 0. 停止后台任务
	if s.bgCancel != nil {
		s.bgCancel()
		<-s.bgDone
	}

	// 1. 并行关闭 HTTP 与 Metrics 服务器，各自受 ShutdownTimeout 约束
	var g errgroup.Group
	ctx := context.Background()
	if s.httpManager != nil {
		g.Go(func() error { return s.httpManager.Shutdown(ctx) })
	}
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
	}

	// 2. 刷新遥测数据
	if s.otel != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(flushCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
