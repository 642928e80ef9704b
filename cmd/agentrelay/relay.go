package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/BaSui01/agentrelay/agent/comms"
	"github.com/BaSui01/agentrelay/agent/delegation"
	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/reasoning"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/agent/sleep"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/database"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🔗 Relay 组装
// =============================================================================

// relay holds the assembled domain components.
type relay struct {
	stores     *persistence.Stores
	pool       *database.PoolManager
	redis      redis.UniversalClient
	dispatcher dispatch.Dispatcher
	channels   comms.Resolver
	oracle     *permission.RuleOracle
	gate       *hitl.Gate
	scheduler  *sleep.Scheduler
	orch       *delegation.Orchestrator

	closers []func() error
	logger  *zap.Logger
}

// buildRelay opens the configured backends and wires the relay. On error
// everything opened so far is closed.
func buildRelay(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (r *relay, err error) {
	r = &relay{logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close()
			r = nil
		}
	}()

	// 1. 数据库（仅 database store 需要）
	var db *gorm.DB
	if cfg.Store.Type == string(persistence.StoreTypeDatabase) {
		r.pool, err = database.Open(cfg.Database, logger, database.WithStatsObserver(cfg.Database.Name, collector))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		r.closers = append(r.closers, r.pool.Close)
		db = r.pool.DB()
		if err = database.Instrument(db, cfg.Database.Name, collector); err != nil {
			return nil, fmt.Errorf("instrument database: %w", err)
		}
	}

	// 2. 存储
	redisCfg := persistence.RedisStoreConfig{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		KeyPrefix: cfg.Store.KeyPrefix,
		TLS:       cfg.Redis.TLS,
	}
	r.stores, err = persistence.Open(ctx, persistence.StoreConfig{
		Type:            persistence.StoreType(cfg.Store.Type),
		Redis:           redisCfg,
		MaxRetries:      cfg.Store.MaxRetries,
		SkipAutoMigrate: cfg.Store.SkipAutoMigrate,
	}, db, logger)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}
	r.closers = append(r.closers, r.stores.Close)

	// 3. Redis 客户端: 与 redis store 共用, 否则 redis dispatcher 单独连接
	r.redis = r.stores.Redis
	if r.redis == nil && cfg.Dispatcher.Type == "redis" {
		client, cerr := persistence.NewRedisClient(ctx, redisCfg)
		if cerr != nil {
			return nil, cerr
		}
		r.redis = client
		r.closers = append(r.closers, client.Close)
	}

	// 4. 后台任务
	retry := dispatch.RetryConfig{
		MaxAttempts:       cfg.Dispatcher.MaxAttempts,
		InitialBackoff:    cfg.Dispatcher.InitialBackoff,
		MaxBackoff:        cfg.Dispatcher.MaxBackoff,
		BackoffMultiplier: dispatch.DefaultRetryConfig().BackoffMultiplier,
	}
	switch cfg.Dispatcher.Type {
	case "redis":
		d := dispatch.NewRedisDispatcher(r.redis, dispatch.RedisConfig{
			KeyPrefix:    cfg.Dispatcher.KeyPrefix,
			Workers:      cfg.Dispatcher.Workers,
			PollInterval: cfg.Dispatcher.PollInterval,
			ClaimRate:    cfg.Dispatcher.ClaimRate,
			BatchSize:    cfg.Dispatcher.BatchSize,
			Retry:        retry,
		}, logger)
		d.SetObserver(collector)
		r.dispatcher = d
	default:
		d := dispatch.NewMemoryDispatcher(dispatch.MemoryConfig{
			Workers: cfg.Dispatcher.Workers,
			Retry:   retry,
		}, logger)
		d.SetObserver(collector)
		r.dispatcher = d
	}
	r.closers = append(r.closers, r.dispatcher.Close)

	// 5. 通信频道
	if r.redis != nil {
		r.channels = comms.NewRedisResolver(r.redis, cfg.Store.KeyPrefix+"comms:")
	} else {
		r.channels = comms.NewMemoryResolver()
	}

	// 6. 权限
	channels := r.channels
	r.oracle = permission.NewRuleOracle(channels.Members, logger)
	if err = applyPermissions(r.oracle, cfg.Permissions); err != nil {
		return nil, err
	}

	// 7. 审批、休眠、推理入口
	r.gate = hitl.NewGate(r.stores.Approvals, r.stores.Agents, logger)

	r.scheduler = sleep.NewScheduler(r.stores.Agents, r.dispatcher, sleep.Config{
		MinMinutes: cfg.Sleep.MinMinutes,
		MaxMinutes: cfg.Sleep.MaxMinutes,
	}, logger)
	r.scheduler.SetMetrics(collector)

	registry := reasoning.NewRegistry()
	registry.SetDefault(reasoning.NewWebhookEntrypoint(nil, logger))

	// 8. 任务账本与编排器
	tasks := ledger.New(r.stores.Tasks, logger, ledger.WithTransitionHook(func(task *ledger.Task, from ledger.Status) {
		collector.RecordTaskTransition(string(task.Source), string(from), string(task.Status))
	}))

	wake := make([]ledger.Priority, 0, len(cfg.Delegation.WakeOnPriority))
	for _, p := range cfg.Delegation.WakeOnPriority {
		wake = append(wake, ledger.ParsePriority(p))
	}
	r.orch = delegation.New(delegation.Deps{
		Agents:     r.stores.Agents,
		Ledger:     tasks,
		Channels:   r.channels,
		Oracle:     r.oracle,
		Gate:       r.gate,
		Sleep:      r.scheduler,
		Dispatcher: r.dispatcher,
		Entrypoint: registry,
		Metrics:    collector,
	}, delegation.Config{
		MaxDepth:        cfg.Delegation.MaxDepth,
		AskTimeout:      cfg.Delegation.AskTimeout,
		DelegateTimeout: cfg.Delegation.DelegateTimeout,
		WakeOnPriority:  wake,
	}, logger)

	// 9. 初始 agent
	if err = seedAgents(ctx, r.stores.Agents, cfg.Agents, logger); err != nil {
		return nil, err
	}

	return r, nil
}

// Ping checks every backend the relay depends on.
func (r *relay) Ping(ctx context.Context) error {
	if err := r.stores.Ping(ctx); err != nil {
		return fmt.Errorf("stores: %w", err)
	}
	if r.pool != nil {
		if err := r.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if r.redis != nil && r.redis != r.stores.Redis {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse opening order.
func (r *relay) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// applyPermissions replaces the oracle's rules and default decision.
func applyPermissions(oracle *permission.RuleOracle, cfg config.PermissionsConfig) error {
	if err := oracle.ReplaceRules(cfg.Rules); err != nil {
		return fmt.Errorf("apply permission rules: %w", err)
	}
	if cfg.Default != "" {
		oracle.SetDefault(cfg.Default)
	}
	return nil
}

// seedAgents creates configured agents that do not exist yet and refreshes
// the descriptive fields of those that do. Runtime state (sleep, awaiting
// sets, status) of existing agents is left alone.
func seedAgents(ctx context.Context, store roster.Store, seeds []config.AgentSeed, logger *zap.Logger) error {
	now := time.Now()
	for _, seed := range seeds {
		meta := maps.Clone(seed.Metadata)
		if seed.WebhookURL != "" {
			if meta == nil {
				meta = make(map[string]string, 1)
			}
			meta[reasoning.MetadataWebhookURL] = seed.WebhookURL
		}

		existing, err := store.Get(ctx, seed.ID)
		switch {
		case errors.Is(err, roster.ErrNotFound):
			a := &roster.Agent{
				ID:       seed.ID,
				Name:     seed.Name,
				Kind:     roster.Kind(seed.Kind),
				Status:   roster.Status(seed.Status),
				Metadata: meta,
			}
			a.Normalize(now)
			if err := store.Save(ctx, a); err != nil {
				return fmt.Errorf("seed agent %s: %w", seed.ID, err)
			}
			logger.Info("agent seeded", zap.String("agent_id", seed.ID), zap.String("kind", string(a.Kind)))
		case err != nil:
			return fmt.Errorf("load agent %s: %w", seed.ID, err)
		default:
			existing.Name = seed.Name
			if seed.Kind != "" {
				existing.Kind = roster.Kind(seed.Kind)
			}
			existing.Metadata = meta
			existing.UpdatedAt = now
			if err := store.Save(ctx, existing); err != nil {
				return fmt.Errorf("refresh agent %s: %w", seed.ID, err)
			}
		}
	}
	return nil
}
