package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/roster"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAgentStore is a database implementation of roster.Store. Field writes
// are read-modify-write cycles guarded by a version column.
type GormAgentStore struct {
	db         *gorm.DB
	maxRetries int
	now        func() time.Time
}

var _ roster.Store = (*GormAgentStore)(nil)

// NewGormAgentStore creates an agent store on db. Call AutoMigrate first.
func NewGormAgentStore(db *gorm.DB, maxRetries int) *GormAgentStore {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &GormAgentStore{db: db, maxRetries: maxRetries, now: time.Now}
}

func decodeAgent(rec *agentRecord) (*roster.Agent, error) {
	var a roster.Agent
	if err := json.Unmarshal([]byte(rec.Data), &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent %s: %w", rec.ID, err)
	}
	return &a, nil
}

// Save creates or replaces an agent record.
func (s *GormAgentStore) Save(ctx context.Context, agent *roster.Agent) error {
	a := agent.Clone()
	a.Normalize(s.now())
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	rec := agentRecord{ID: a.ID, Data: string(data), UpdatedAt: a.UpdatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"data":       rec.Data,
			"updated_at": rec.UpdatedAt,
			"version":    gorm.Expr("version + 1"),
		}),
	}).Create(&rec).Error
}

// Get retrieves an agent by ID.
func (s *GormAgentStore) Get(ctx context.Context, agentID string) (*roster.Agent, error) {
	var rec agentRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, roster.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeAgent(&rec)
}

// List returns all agents ordered by ID.
func (s *GormAgentStore) List(ctx context.Context) ([]*roster.Agent, error) {
	var recs []agentRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*roster.Agent, 0, len(recs))
	for i := range recs {
		a, err := decodeAgent(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormAgentStore) SetStatus(ctx context.Context, agentID string, status roster.Status) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.Status = status })
}

func (s *GormAgentStore) SetSleep(ctx context.Context, agentID string, until time.Time, reason string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) {
		a.SleepingUntil = &until
		a.SleepingReason = reason
	})
}

func (s *GormAgentStore) ClearSleep(ctx context.Context, agentID string) error {
	return s.mutate(ctx, agentID, (*roster.Agent).Wake)
}

func (s *GormAgentStore) ClearSleepIfDue(ctx context.Context, agentID string, now time.Time) (bool, error) {
	var cleared bool
	err := s.mutate(ctx, agentID, func(a *roster.Agent) { cleared = a.WakeIfDue(now) })
	return cleared, err
}

func (s *GormAgentStore) SetAwaitingApproval(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.AwaitingApprovalID = approvalID })
}

func (s *GormAgentStore) ClearAwaitingApprovalIf(ctx context.Context, agentID, approvalID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) {
		if a.AwaitingApprovalID == approvalID {
			a.AwaitingApprovalID = ""
		}
	})
}

func (s *GormAgentStore) AddAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.AddAwaiting(taskID) })
}

func (s *GormAgentStore) RemoveAwaitingDelegation(ctx context.Context, agentID, taskID string) error {
	return s.mutate(ctx, agentID, func(a *roster.Agent) { a.RemoveAwaiting(taskID) })
}

func (s *GormAgentStore) mutate(ctx context.Context, agentID string, fn func(*roster.Agent)) error {
	db := s.db.WithContext(ctx)
	for i := 0; i < s.maxRetries; i++ {
		var rec agentRecord
		err := db.First(&rec, "id = ?", agentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return roster.ErrNotFound
		}
		if err != nil {
			return err
		}
		a, err := decodeAgent(&rec)
		if err != nil {
			return err
		}
		fn(a)
		a.UpdatedAt = s.now()
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal agent: %w", err)
		}

		res := db.Model(&agentRecord{}).
			Where("id = ? AND version = ?", agentID, rec.Version).
			Updates(map[string]any{
				"data":       string(data),
				"version":    rec.Version + 1,
				"updated_at": a.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return fmt.Errorf("agent %s: too much contention after %d attempts", agentID, s.maxRetries)
}
