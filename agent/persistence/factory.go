package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stores bundles the three stores of one backend.
type Stores struct {
	Type      StoreType
	Tasks     ledger.Store
	Agents    roster.Store
	Approvals hitl.Store

	// Redis is the client the stores run on when Type is redis. Other
	// Redis-backed components may share it.
	Redis redis.UniversalClient

	pingFn  func(ctx context.Context) error
	closers []func() error
}

// Open creates the stores selected by cfg. db is required for the database
// backend and ignored otherwise.
func Open(ctx context.Context, cfg StoreConfig, db *gorm.DB, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "persistence"))

	switch cfg.Type {
	case StoreTypeMemory, "":
		logger.Info("using in-memory stores; state is lost on restart")
		return NewMemoryStores(), nil

	case StoreTypeRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s := NewRedisStores(client, cfg.Redis.KeyPrefix, cfg.MaxRetries)
		s.closers = append(s.closers, client.Close)
		logger.Info("using redis stores",
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)),
			zap.String("key_prefix", cfg.Redis.KeyPrefix))
		return s, nil

	case StoreTypeDatabase:
		if db == nil {
			return nil, errors.New("database store requires a database connection")
		}
		if cfg.SkipAutoMigrate {
			logger.Info("using database stores; schema managed by migrations",
				zap.String("dialect", db.Dialector.Name()))
			return gormStores(db, cfg.MaxRetries), nil
		}
		s, err := NewGormStores(ctx, db, cfg.MaxRetries)
		if err != nil {
			return nil, err
		}
		logger.Info("using database stores", zap.String("dialect", db.Dialector.Name()))
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStore, cfg.Type)
	}
}

// NewMemoryStores returns the in-memory stores.
func NewMemoryStores() *Stores {
	return &Stores{
		Type:      StoreTypeMemory,
		Tasks:     ledger.NewMemoryStore(),
		Agents:    roster.NewMemoryStore(),
		Approvals: hitl.NewInMemoryStore(),
	}
}

// NewRedisStores returns stores on an existing client. The caller keeps
// ownership of client.
func NewRedisStores(client redis.UniversalClient, keyPrefix string, maxRetries int) *Stores {
	return &Stores{
		Type:      StoreTypeRedis,
		Tasks:     NewRedisTaskStore(client, keyPrefix, maxRetries),
		Agents:    NewRedisAgentStore(client, keyPrefix, maxRetries),
		Approvals: NewRedisApprovalStore(client, keyPrefix, maxRetries),
		Redis:     client,
		pingFn:    func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

// NewGormStores migrates the schema and returns stores on db. The caller
// keeps ownership of db.
func NewGormStores(ctx context.Context, db *gorm.DB, maxRetries int) (*Stores, error) {
	if err := AutoMigrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate relay tables: %w", err)
	}
	return gormStores(db, maxRetries), nil
}

func gormStores(db *gorm.DB, maxRetries int) *Stores {
	return &Stores{
		Type:      StoreTypeDatabase,
		Tasks:     NewGormTaskStore(db),
		Agents:    NewGormAgentStore(db, maxRetries),
		Approvals: NewGormApprovalStore(db),
		pingFn: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

// Ping checks if the backend is healthy. Memory stores are always healthy.
func (s *Stores) Ping(ctx context.Context) error {
	if s.pingFn == nil {
		return nil
	}
	return s.pingFn(ctx)
}

// Close releases connections opened by Open.
func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
