// =============================================================================
// 📦 SketchFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 .env 文件 + YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithDotEnv(".env").
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("SKETCHFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（含 .env）→ 兼容旧变量名
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// 无服务器部署沿用的环境变量名
const (
	LegacyEnvBaseURL = "HF_SPACE_URL"
	LegacyEnvToken   = "HF_TOKEN"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SketchFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Upstream 上游推理服务配置
	Upstream UpstreamConfig `yaml:"upstream" env:"UPSTREAM"`

	// Proxy 转换处理器配置
	Proxy ProxyConfig `yaml:"proxy" env:"PROXY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT" validate:"min=1,max=65535"`
	// Metrics 端口（0 表示关闭）
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT" validate:"min=0,max=65535"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`
	// 写入超时，必须大于 proxy.handler_budget
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
	// 允许的跨域来源（为空时仅转换端点返回宽松 CORS 头）
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 每个 IP 每秒请求数（0 表示不限流）
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS" validate:"gte=0"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST" validate:"gte=0"`
}

// UpstreamConfig 上游推理服务配置
type UpstreamConfig struct {
	// 上游基础地址
	BaseURL string `yaml:"base_url" env:"BASE_URL" validate:"required,url"`
	// Bearer 凭证（私有部署可选）
	Token string `yaml:"token" env:"TOKEN"`
	// 候选预测路径，按优先级排列
	CandidatePaths []string `yaml:"candidate_paths" env:"CANDIDATE_PATHS" validate:"min=1,dive,required"`
	// 单次尝试超时
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT" validate:"gt=0"`
	// 最大轮数（每轮尝试所有候选路径一次）
	MaxRounds int `yaml:"max_rounds" env:"MAX_ROUNDS" validate:"min=1,max=10"`
	// 轮间退避基数：第 n 轮后等待 n × BackoffBase
	BackoffBase time.Duration `yaml:"backoff_base" env:"BACKOFF_BASE" validate:"gte=0"`
	// 退避上限（0 表示不设上限）
	BackoffMax time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX" validate:"gte=0"`
	// 是否在正式调用前预热上游
	Warmup bool `yaml:"warmup" env:"WARMUP"`
	// 预热超时
	WarmupTimeout time.Duration `yaml:"warmup_timeout" env:"WARMUP_TIMEOUT" validate:"gte=0"`
}

// ProxyConfig 转换处理器配置
type ProxyConfig struct {
	// 单个请求的总时长上限（对应托管平台的执行上限）
	HandlerBudget time.Duration `yaml:"handler_budget" env:"HANDLER_BUDGET" validate:"gt=0"`
	// 请求体大小上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"gt=0"`
	// 缺省参数
	DefaultSteps       int     `yaml:"default_steps" env:"DEFAULT_STEPS" validate:"gt=0"`
	DefaultGuidance    float64 `yaml:"default_guidance" env:"DEFAULT_GUIDANCE" validate:"gte=0"`
	DefaultImgGuidance float64 `yaml:"default_img_guidance" env:"DEFAULT_IMG_GUIDANCE" validate:"gte=0"`
	DefaultSeed        int64   `yaml:"default_seed" env:"DEFAULT_SEED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn error"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=json console"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=0,lte=1"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	dotEnv     []string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SKETCHFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithDotEnv 设置需要预先载入进程环境的 .env 文件，不存在的文件会被忽略。
// 已存在的环境变量不会被覆盖。
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnv = append(l.dotEnv, paths...)
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量 → 兼容旧变量名
func (l *Loader) Load() (*Config, error) {
	// 0. 载入 .env
	if err := l.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load dotenv: %w", err)
	}

	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	l.applyLegacyEnv(cfg)

	// 4. 规范化
	cfg.Upstream.CandidatePaths = NormalizePaths(cfg.Upstream.CandidatePaths)
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadDotEnv() error {
	for _, p := range l.dotEnv {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// applyLegacyEnv 在带前缀的变量未设置时回退到 HF_SPACE_URL / HF_TOKEN
func (l *Loader) applyLegacyEnv(cfg *Config) {
	if os.Getenv(l.envPrefix+"_UPSTREAM_BASE_URL") == "" {
		if v := os.Getenv(LegacyEnvBaseURL); v != "" {
			cfg.Upstream.BaseURL = v
		}
	}
	if os.Getenv(l.envPrefix+"_UPSTREAM_TOKEN") == "" {
		if v := os.Getenv(LegacyEnvToken); v != "" {
			cfg.Upstream.Token = v
		}
	}
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// NormalizePaths 去除空白、补全前导斜杠并按首次出现顺序去重
func NormalizePaths(paths []string) []string {
	normalized := lo.Map(paths, func(p string, _ int) string {
		p = strings.TrimSpace(p)
		if p != "" && !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		return p
	})
	return lo.Uniq(lo.Compact(normalized))
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var structValidator = validator.New()

// WorstCaseSchedule 返回全部尝试都超时时一次预测的最长耗时：
// 预热 + 轮数 × 路径数 × 单次超时 + 各轮之间的退避
func (u UpstreamConfig) WorstCaseSchedule() time.Duration {
	rounds := max(u.MaxRounds, 1)
	total := time.Duration(rounds*len(u.CandidatePaths)) * u.AttemptTimeout
	for round := 1; round < rounds; round++ {
		delay := time.Duration(round) * u.BackoffBase
		if u.BackoffMax > 0 && delay > u.BackoffMax {
			delay = u.BackoffMax
		}
		total += delay
	}
	if u.Warmup {
		total += u.WarmupTimeout
	}
	return total
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	// 单次尝试必须在处理器预算内结束，才能保证总能写出响应
	if c.Upstream.AttemptTimeout >= c.Proxy.HandlerBudget {
		errs = append(errs, "upstream.attempt_timeout must be shorter than proxy.handler_budget")
	}
	// 全部尝试超时也要在预算内走完，否则最后的诊断只剩预算耗尽
	if worst := c.Upstream.WorstCaseSchedule(); worst >= c.Proxy.HandlerBudget {
		errs = append(errs, fmt.Sprintf("worst-case upstream schedule %s must be shorter than proxy.handler_budget %s",
			worst, c.Proxy.HandlerBudget))
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Proxy.HandlerBudget {
		errs = append(errs, "server.write_timeout must be longer than proxy.handler_budget")
	}
	if c.Upstream.Warmup && c.Upstream.WarmupTimeout <= 0 {
		errs = append(errs, "upstream.warmup_timeout must be positive when warmup is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
