package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/redis/go-redis/v9"
)

// ErrUnsupportedStore is returned by Open for an unknown StoreType.
var ErrUnsupportedStore = errors.New("unsupported store type")

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
)

// StoreConfig selects and configures the storage backend.
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis"`

	// MaxRetries bounds optimistic transaction retries on contended records.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// SkipAutoMigrate leaves the database schema to versioned migrations
	// (only used when Type is "database").
	SkipAutoMigrate bool `json:"skip_auto_migrate" yaml:"skip_auto_migrate"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TLS enables TLS on the connection
	TLS bool `json:"tls" yaml:"tls"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "agentrelay:",
		},
		MaxRetries: 5,
	}
}

// NewRedisClient connects to the configured Redis server and verifies the
// connection.
func NewRedisClient(ctx context.Context, cfg RedisStoreConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(cfg.Host)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
