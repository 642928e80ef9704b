// =============================================================================
// 📦 AgentRelay 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/internal/database"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Delegation:  DefaultDelegationConfig(),
		Sleep:       DefaultSleepConfig(),
		Store:       DefaultStoreConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Dispatcher:  DefaultDispatcherConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Metrics:     DefaultMetricsConfig(),
		Permissions: PermissionsConfig{Default: permission.DecisionAllow},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     0,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    150 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDelegationConfig 返回默认委派配置
func DefaultDelegationConfig() DelegationConfig {
	return DelegationConfig{
		MaxDepth:        3,
		AskTimeout:      120 * time.Second,
		DelegateTimeout: 30 * time.Minute,
		WakeOnPriority:  []string{},
	}
}

// DefaultSleepConfig 返回默认休眠配置: 1 分钟到 7 天
func DefaultSleepConfig() SleepConfig {
	return SleepConfig{
		MinMinutes:   1,
		MaxMinutes:   10080,
		SweepOnStart: true,
	}
}

// DefaultStoreConfig 返回默认持久化配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       "memory",
		KeyPrefix:  "agentrelay:",
		MaxRetries: 5,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:     "localhost",
		Port:     6379,
		Password: "",
		DB:       0,
		PoolSize: 10,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() database.Config {
	return database.Config{
		Driver:  "postgres",
		Host:    "localhost",
		Port:    5432,
		User:    "agentrelay",
		Name:    "agentrelay",
		SSLMode: "disable",
		Pool:    database.DefaultPoolConfig(),
	}
}

// DefaultDispatcherConfig 返回默认调度配置
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Type:           "memory",
		Workers:        4,
		PollInterval:   time.Second,
		ClaimRate:      0,
		BatchSize:      32,
		KeyPrefix:      "agentrelay:jobs:",
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		ServiceName:  "agentrelay",
		Environment:  "development",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "agentrelay",
		Path:      "/metrics",
	}
}
