package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/redis/go-redis/v9"
)

// RedisApprovalStore is a Redis-based implementation of hitl.Store.
type RedisApprovalStore struct {
	docs redisDocs
}

var _ hitl.Store = (*RedisApprovalStore)(nil)

// NewRedisApprovalStore creates an approval store on client.
func NewRedisApprovalStore(client redis.UniversalClient, keyPrefix string, maxRetries int) *RedisApprovalStore {
	return &RedisApprovalStore{docs: newRedisDocs(client, keyPrefix, "approval", maxRetries)}
}

// Ping checks if the store is healthy
func (s *RedisApprovalStore) Ping(ctx context.Context) error {
	return s.docs.Ping(ctx)
}

func (s *RedisApprovalStore) allKey() string { return s.docs.key("all") }

func (s *RedisApprovalStore) Save(ctx context.Context, req *hitl.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}
	pipe := s.docs.client.TxPipeline()
	pipe.Set(ctx, s.docs.dataKey(req.ID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: float64(req.CreatedAt.UnixNano()), Member: req.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisApprovalStore) Load(ctx context.Context, id string) (*hitl.ApprovalRequest, error) {
	var req hitl.ApprovalRequest
	err := s.docs.load(ctx, s.docs.client, s.docs.dataKey(id), &req)
	if errors.Is(err, redis.Nil) {
		return nil, hitl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests oldest first. Empty requesterID or status match all.
func (s *RedisApprovalStore) List(ctx context.Context, requesterID string, status hitl.Status) ([]*hitl.ApprovalRequest, error) {
	ids, err := s.docs.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := loadMany[hitl.ApprovalRequest](ctx, s.docs, ids)
	if err != nil {
		return nil, err
	}
	var out []*hitl.ApprovalRequest
	for _, req := range all {
		if (requesterID == "" || req.RequesterID == requesterID) && (status == "" || req.Status == status) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Resolve moves a pending request to status exactly once.
func (s *RedisApprovalStore) Resolve(ctx context.Context, id string, status hitl.Status, resolverID, comment string, at time.Time) (*hitl.ApprovalRequest, error) {
	key := s.docs.dataKey(id)
	var resolved hitl.ApprovalRequest
	err := s.docs.watch(ctx, key, func(tx *redis.Tx) error {
		resolved = hitl.ApprovalRequest{}
		if err := s.docs.load(ctx, tx, key, &resolved); err != nil {
			if errors.Is(err, redis.Nil) {
				return hitl.ErrNotFound
			}
			return err
		}
		if err := resolved.MarkResolved(status, resolverID, comment, at); err != nil {
			return err
		}
		data, err := json.Marshal(&resolved)
		if err != nil {
			return fmt.Errorf("failed to marshal approval request: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}
