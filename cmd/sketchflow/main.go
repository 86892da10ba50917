// =============================================================================
// SketchFlow 主入口
// =============================================================================
// 草图风格化推理代理，包含 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	sketchflow serve                       # 启动服务
//	sketchflow serve --config config.yaml  # 指定配置文件
//	sketchflow version                     # 显示版本信息
//	sketchflow health                      # 健康检查
// =============================================================================

// @title SketchFlow API
// @version 1.0.0
// @description SketchFlow turns a sketch plus a style prompt into a styled image by relaying to a hosted inference service.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/sketchflow/config"
	"github.com/BaSui01/sketchflow/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	envFile := fs.String("env-file", ".env", "Path to dotenv file (ignored when missing)")
	fs.Parse(args)

	// 加载配置
	loader := newLoader(*configPath, *envFile)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting SketchFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, logger,
		WithLogLevel(level),
		WithTelemetry(otelProviders),
		WithConfigWatch(loader, *configPath),
	)

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	srv.WaitForShutdown()

	logger.Info("SketchFlow stopped")
}

// newLoader 构造配置加载器
func newLoader(configPath, envFile string) *config.Loader {
	loader := config.NewLoader()
	if envFile != "" {
		loader = loader.WithDotEnv(envFile)
	}
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	return loader
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("SketchFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`SketchFlow - sketch to styled image proxy

Usage:
  sketchflow <command> [options]

Commands:
  serve     Start the SketchFlow server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>     Path to configuration file (YAML)
  --env-file <path>   Path to dotenv file (default .env)

Environment:
  SKETCHFLOW_UPSTREAM_BASE_URL   Upstream inference address (legacy: HF_SPACE_URL)
  SKETCHFLOW_UPSTREAM_TOKEN      Upstream bearer token (legacy: HF_TOKEN)

Examples:
  sketchflow serve
  sketchflow serve --config /etc/sketchflow/config.yaml
  sketchflow health --addr http://localhost:8080
  sketchflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// parseLevel 解析日志级别，未知值回退到 info
func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// initLogger 构建 logger，返回的 AtomicLevel 供配置热更新调整级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, level
}
