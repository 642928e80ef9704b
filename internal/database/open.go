package database

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config 数据库连接配置
type Config struct {
	// Driver 为 postgres, mysql 或 sqlite
	Driver   string `yaml:"driver" json:"driver" env:"DRIVER"`
	Host     string `yaml:"host" json:"host" env:"HOST"`
	Port     int    `yaml:"port" json:"port" env:"PORT"`
	User     string `yaml:"user" json:"user" env:"USER"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	Name     string `yaml:"name" json:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	// DSN 非空时直接使用, 忽略上面的字段. sqlite 下为文件路径.
	DSN string `yaml:"dsn" json:"-" env:"DSN"`

	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// Dialector 根据配置返回 GORM dialector.
func (c Config) Dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case "postgres":
		dsn := c.DSN
		if dsn == "" {
			sslMode := c.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
		}
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := c.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
				c.User, c.Password, c.Host, c.Port, c.Name)
		}
		return mysql.Open(dsn), nil
	case "sqlite":
		dsn := c.DSN
		if dsn == "" {
			dsn = "agentrelay.db"
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
}

// Open 打开数据库并返回带连接池管理的实例.
func Open(cfg Config, zlog *zap.Logger, opts ...PoolOption) (*PoolManager, error) {
	pool := cfg.Pool
	if pool.MaxOpenConns == 0 && pool.MaxIdleConns == 0 {
		pool = DefaultPoolConfig()
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	dialector, err := cfg.Dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	return NewPoolManager(db, pool, zlog, opts...)
}
