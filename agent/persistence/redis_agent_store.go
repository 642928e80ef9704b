package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/redis/go-redis/v9"
)

// RedisAgentStore is a Redis-based implementation of roster.Store. Every
// field write is a WATCH/MULTI read-modify-write of the agent document.
type RedisAgentStore struct {
	docs redisDocs
	now  func() time.Time
}

var _ roster.Store = (*RedisAgentStore)(nil)

// NewRedisAgentStore creates an agent store on client.
func NewRedisAgentStore(client redis.UniversalClient, keyPrefix string, maxRetries int) *RedisAgentStore {
	return &RedisAgentStore{
		docs: newRedisDocs(client, keyPrefix, "agent", maxRetries),
		now:  time.Now,
	}
}

// Ping checks if the store is healthy
func (s *RedisAgentStore) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func (s *RedisAgentStore) allKey() string { return s.docs.key("all") }

// Save creates or replaces an agent record.
func (s *RedisAgentStore) Save(ctx context.Context, agent *roster.Agent) error {
	a := agent.Clone()
	a.Normalize(s.now())
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	pipe := s.docs.client.TxPipeline()
	pipe.Set(ctx, s.docs.dataKey(a.ID), data, 0)
	pipe.SAdd(ctx, s.allKey(), a.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves an agent by ID.
func (s *RedisAgentStore) Get(ctx context.Context, agentID string) (*roster.Agent, error) {
	var a roster.Agent
	err := s.docs.load(ctx, s.docs.client, s.docs.dataKey(agentID), &a)
	if errors.Is(err, redis.Nil) {
		return nil, roster.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all agents ordered by ID.
func (s *RedisAgentStore) List(ctx context.Context) ([]*roster.Agent, error) {
	ids, err := s.docs.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, err
	}
	agents, err := loadMany[roster.Agent](ctx, s.docs, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *RedisAgentStore) SetStatus(ctx context.Context, agentID string, status roster.Status) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.Status = status })
}

func (s *RedisAgentStore) SetSleep(ctx context.Context, agentID string, until time.Time, reason string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) {
		a.SleepingUntil = &until
		a.SleepingReason = reason
	})
}

func (s *RedisAgentStore) ClearSleep(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, (*roster.Agent).Wake)
}

func (s *RedisAgentStore) ClearSleepIfDue(ctx context.Context, agentID string, now time.Time) (bool, error) {
	var cleared bool
	err := s.mutate(ctx, agentID, func(a *roster.Agent) { cleared = a.WakeIfDue(now) })
	return cleared, err
}

func (s *RedisAgentStore) SetAwaitingApproval(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.AwaitingApprovalID = approvalID })
}

func (s *RedisAgentStore) ClearAwaitingApprovalIf(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) {
		if a.AwaitingApprovalID == approvalID {
			a.AwaitingApprovalID = ""
		}
	})
}

func (s *RedisAgentStore) AddAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.AddAwaiting(taskID) })
}

func (s *RedisAgentStore) RemoveAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.RemoveAwaiting(taskID) })
}

func (s *RedisAgentStore) mutate(ctx context.Context, agentID string, fn func(*roster.Agent)) error {
	key := s.docs.dataKey(agentID)
	err := s.docs.watch(ctx, key, func(tx *redis.Tx) error {
		var a roster.Agent
		if err := s.docs.load(ctx, tx, key, &a); err != nil {
			if errors.Is(err, redis.Nil) {
				return roster.ErrNotFound
			}
			return err
		}
		fn(&a)
		a.UpdatedAt = s.now()
		data, err := json.Marshal(&a)
		if err != nil {
			return fmt.Errorf("failed to marshal agent: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("agent %s: too much contention: %w", agentID, err)
	}
	return err
}
