package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/redis/go-redis/v9"
)

// RedisTaskStore is a Redis-based implementation of ledger.Store.
// Tasks are JSON documents; sorted sets index them by creation time overall
// and per assignee, and index active tasks per assignee by start time.
type RedisTaskStore struct {
	docs redisDocs
}

var _ ledger.Store = (*RedisTaskStore)(nil)

// NewRedisTaskStore creates a task store on client.
func NewRedisTaskStore(client redis.UniversalClient, keyPrefix string, maxRetries int) *RedisTaskStore {
	return &RedisTaskStore{docs: newRedisDocs(client, keyPrefix, "task", maxRetries)}
}

// Ping checks if the store is healthy
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func (s *RedisTaskStore) allKey() string             { return s.docs.key("all") }
func (s *RedisTaskStore) agentKey(id string) string  { return s.docs.key("agent", id) }
func (s *RedisTaskStore) activeKey(id string) string { return s.docs.key("active", id) }

// Create persists a new task. An existing id yields ledger.ErrConflict.
func (s *RedisTaskStore) Create(ctx context.Context, task *ledger.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	ok, err := s.docs.client.SetNX(ctx, s.docs.dataKey(task.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrConflict
	}

	score := float64(task.CreatedAt.UnixNano())
	pipe := s.docs.client.Pipeline()
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: task.ID})
	pipe.ZAdd(ctx, s.agentKey(task.AgentID), redis.Z{Score: score, Member: task.ID})
	if task.Status == ledger.StatusActive && task.StartedAt != nil {
		pipe.ZAdd(ctx, s.activeKey(task.AgentID), redis.Z{Score: float64(task.StartedAt.UnixNano()), Member: task.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a task by ID
func (s *RedisTaskStore) Get(ctx context.Context, taskID string) (*ledger.Task, error) {
	var task ledger.Task
	err := s.docs.load(ctx, s.docs.client, s.docs.dataKey(taskID), &task)
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Update replaces the stored task if its stored version still equals
// expectedVersion.
func (s *RedisTaskStore) Update(ctx context.Context, task *ledger.Task, expectedVersion int64) error {
	next := *task
	next.Version = expectedVersion + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	key := s.docs.dataKey(task.ID)

	err = s.docs.watch(ctx, key, func(tx *redis.Tx) error {
		var current ledger.Task
		if err := s.docs.load(ctx, tx, key, &current); err != nil {
			if errors.Is(err, redis.Nil) {
				return ledger.ErrNotFound
			}
			return err
		}
		if current.Version != expectedVersion {
			return ledger.ErrConflict
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if task.Status == ledger.StatusActive && task.StartedAt != nil {
				pipe.ZAdd(ctx, s.activeKey(task.AgentID), redis.Z{Score: float64(task.StartedAt.UnixNano()), Member: task.ID})
			} else if current.Status == ledger.StatusActive {
				pipe.ZRem(ctx, s.activeKey(task.AgentID), task.ID)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return ledger.ErrConflict
	}
	if err != nil {
		return err
	}
	task.Version = next.Version
	return nil
}

// FindActive returns the most recently started active task of agentID.
func (s *RedisTaskStore) FindActive(ctx context.Context, agentID string) (*ledger.Task, error) {
	ids, err := s.docs.client.ZRevRange(ctx, s.activeKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks, err := loadMany[ledger.Task](ctx, s.docs, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == ledger.StatusActive {
			return t, nil
		}
	}
	return nil, ledger.ErrNotFound
}

// List returns tasks matching the filter, newest first.
func (s *RedisTaskStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.Task, error) {
	index := s.allKey()
	if filter.AgentID != "" {
		index = s.agentKey(filter.AgentID)
	}
	ids, err := s.docs.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks, err := loadMany[ledger.Task](ctx, s.docs, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*ledger.Task, 0, len(tasks))
	for _, t := range tasks {
		if !filter.Matches(t) {
			continue
		}
		result = append(result, t)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}
