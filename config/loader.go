// =============================================================================
// 📦 AgentRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentrelay.yaml").
//	    WithEnvPrefix("AGENTRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"encoding/pem"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/internal/database"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 是环境变量前缀
const DefaultEnvPrefix = "AGENTRELAY"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRelay 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Delegation 委派编排配置
	Delegation DelegationConfig `yaml:"delegation" env:"DELEGATION"`

	// Sleep 休眠时长边界
	Sleep SleepConfig `yaml:"sleep" env:"SLEEP"`

	// Store 持久化后端选择
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 连接配置（store 或 dispatcher 为 redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（store 为 database 时使用）
	Database database.Config `yaml:"database" env:"DATABASE"`

	// Dispatcher 后台任务调度配置
	Dispatcher DispatcherConfig `yaml:"dispatcher" env:"DISPATCHER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Agents 启动时写入 roster 的 agent 列表（仅 YAML）
	Agents []AgentSeed `yaml:"agents"`

	// Permissions 联系规则（仅 YAML, 支持热重载）
	Permissions PermissionsConfig `yaml:"permissions"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口, 0 表示挂在 HTTP 端口的 /metrics 上
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时, 需大于 delegation.ask_timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// API Key 列表, 为空时不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 鉴权, 配置了密钥时替代 Bearer API Key
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	// 每秒请求数限制, 0 表示不限
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源, 为空时拒绝跨域请求
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// TLS 证书与私钥, 两者都设置时以 HTTPS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// JWTConfig JWT Bearer 鉴权配置. Secret 校验 HS256, PublicKey (PEM) 校验 RS256.
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
	// 作为调用方 agent id 的 claim, 默认 sub
	AgentClaim string `yaml:"agent_claim" env:"AGENT_CLAIM"`
}

// Enabled reports whether any verification key is configured.
func (c JWTConfig) Enabled() bool {
	return c.Secret != "" || c.PublicKey != ""
}

// DelegationConfig 委派编排配置
type DelegationConfig struct {
	// 最大嵌套 ask 深度
	MaxDepth int `yaml:"max_depth" env:"MAX_DEPTH"`
	// ask 等待目标回复的超时
	AskTimeout time.Duration `yaml:"ask_timeout" env:"ASK_TIMEOUT"`
	// 后台 delegate 任务的超时
	DelegateTimeout time.Duration `yaml:"delegate_timeout" env:"DELEGATE_TIMEOUT"`
	// 可立即唤醒休眠目标的 delegate 优先级
	WakeOnPriority []string `yaml:"wake_on_priority" env:"WAKE_ON_PRIORITY"`
}

// SleepConfig 休眠配置
type SleepConfig struct {
	MinMinutes int `yaml:"min_minutes" env:"MIN_MINUTES"`
	MaxMinutes int `yaml:"max_minutes" env:"MAX_MINUTES"`
	// 启动时唤醒所有已到期的 agent
	SweepOnStart bool `yaml:"sweep_on_start" env:"SWEEP_ON_START"`
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// 类型: memory, redis, database
	Type string `yaml:"type" env:"TYPE"`
	// Redis key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 乐观锁冲突时的最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 为 true 时跳过 GORM AutoMigrate, 表结构由 `agentrelay migrate` 管理
	SkipAutoMigrate bool `yaml:"skip_auto_migrate" env:"SKIP_AUTO_MIGRATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 使用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DispatcherConfig 后台任务调度配置
type DispatcherConfig struct {
	// 类型: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// 并发 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// redis 队列扫描间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 每秒领取任务数上限, 0 表示不限
	ClaimRate float64 `yaml:"claim_rate" env:"CLAIM_RATE"`
	// 单次扫描领取的最大任务数
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// redis key 前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 单个任务最大执行次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 重试初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 重试最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
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
	// 是否使用明文连接
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 部署环境
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 是否通过 OTLP 导出指标
	ExportMetrics bool `yaml:"export_metrics" env:"EXPORT_METRICS"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Path      string `yaml:"path" env:"PATH"`
}

// AgentSeed 描述一个启动时注册的 agent
type AgentSeed struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Status string `yaml:"status"`
	// WebhookURL 非空时该 agent 通过 webhook 调用
	WebhookURL string            `yaml:"webhook_url"`
	Metadata   map[string]string `yaml:"metadata"`
}

// PermissionsConfig 联系权限配置
type PermissionsConfig struct {
	// 无规则匹配时的决策
	Default permission.Decision `yaml:"default"`
	Rules   []permission.Rule   `yaml:"rules"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
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

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
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

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

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

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

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

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var (
	validStores      = map[string]bool{"memory": true, "redis": true, "database": true}
	validDispatchers = map[string]bool{"memory": true, "redis": true}
	validPriorities  = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}
	validLogLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validKinds       = map[string]bool{"": true, "agent": true, "human": true}
	validStatuses    = map[string]bool{"": true, "idle": true, "working": true, "offline": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.JWT.PublicKey != "" {
		if block, _ := pem.Decode([]byte(c.Server.JWT.PublicKey)); block == nil {
			errs = append(errs, "server.jwt.public_key must be a PEM block")
		}
	}

	if c.Delegation.MaxDepth <= 0 {
		errs = append(errs, "delegation.max_depth must be positive")
	}
	if c.Delegation.AskTimeout <= 0 {
		errs = append(errs, "delegation.ask_timeout must be positive")
	}
	if c.Delegation.DelegateTimeout <= 0 {
		errs = append(errs, "delegation.delegate_timeout must be positive")
	}
	for _, p := range c.Delegation.WakeOnPriority {
		if !validPriorities[p] {
			errs = append(errs, fmt.Sprintf("delegation.wake_on_priority: unknown priority %q", p))
		}
	}

	if c.Sleep.MinMinutes <= 0 || c.Sleep.MaxMinutes < c.Sleep.MinMinutes {
		errs = append(errs, "sleep bounds must satisfy 0 < min_minutes <= max_minutes")
	}

	if !validStores[c.Store.Type] {
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	if c.Store.Type == "database" {
		if _, err := c.Database.Dialector(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if !validDispatchers[c.Dispatcher.Type] {
		errs = append(errs, fmt.Sprintf("unknown dispatcher type %q", c.Dispatcher.Type))
	}
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, "dispatcher.workers must be positive")
	}
	if c.Dispatcher.ClaimRate < 0 {
		errs = append(errs, "dispatcher.claim_rate must not be negative")
	}

	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, "agent id is required")
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("duplicate agent %q", a.ID))
		}
		seen[a.ID] = true
		if !validKinds[a.Kind] {
			errs = append(errs, fmt.Sprintf("agent %s: unknown kind %q", a.ID, a.Kind))
		}
		if !validStatuses[a.Status] {
			errs = append(errs, fmt.Sprintf("agent %s: unknown status %q", a.ID, a.Status))
		}
	}

	switch c.Permissions.Default {
	case "", permission.DecisionAllow, permission.DecisionDeny, permission.DecisionRequireApproval:
	default:
		errs = append(errs, fmt.Sprintf("unknown permissions.default %q", c.Permissions.Default))
	}
	for i := range c.Permissions.Rules {
		if err := c.Permissions.Rules[i].Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Addr 返回 Redis 地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
