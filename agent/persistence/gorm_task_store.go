package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BaSui01/agentrelay/agent/ledger"
	"gorm.io/gorm"
)

// GormTaskStore is a database implementation of ledger.Store. The version
// compare-and-set of Update is a conditional UPDATE.
type GormTaskStore struct {
	db *gorm.DB
}

var _ ledger.Store = (*GormTaskStore)(nil)

// NewGormTaskStore creates a task store on db. Call AutoMigrate first.
func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

func toTaskRecord(task *ledger.Task) (*taskRecord, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return &taskRecord{
		ID:           task.ID,
		AgentID:      task.AgentID,
		Status:       string(task.Status),
		RequesterID:  task.RequesterID,
		ParentTaskID: task.ParentTaskID,
		Source:       string(task.Source),
		Priority:     string(task.Priority),
		Data:         string(data),
		Version:      task.Version,
		CreatedAt:    task.CreatedAt,
		StartedAt:    task.StartedAt,
	}, nil
}

func (r *taskRecord) task() (*ledger.Task, error) {
	var task ledger.Task
	if err := json.Unmarshal([]byte(r.Data), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", r.ID, err)
	}
	return &task, nil
}

// Create persists a new task. An existing id yields ledger.ErrConflict.
func (s *GormTaskStore) Create(ctx context.Context, task *ledger.Task) error {
	rec, err := toTaskRecord(task)
	if err != nil {
		return err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&taskRecord{}).Where("id = ?", task.ID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ledger.ErrConflict
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// Get retrieves a task by ID
func (s *GormTaskStore) Get(ctx context.Context, taskID string) (*ledger.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.task()
}

// Update replaces the stored task if its stored version still equals
// expectedVersion.
func (s *GormTaskStore) Update(ctx context.Context, task *ledger.Task, expectedVersion int64) error {
	next := *task
	next.Version = expectedVersion + 1
	rec, err := toTaskRecord(&next)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ? AND version = ?", task.ID, expectedVersion).
		Updates(map[string]any{
			"status":     rec.Status,
			"data":       rec.Data,
			"version":    rec.Version,
			"started_at": rec.StartedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		task.Version = next.Version
		return nil
	}
	if _, err := s.Get(ctx, task.ID); err != nil {
		return err
	}
	return ledger.ErrConflict
}

// FindActive returns the most recently started active task of agentID.
func (s *GormTaskStore) FindActive(ctx context.Context, agentID string) (*ledger.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, string(ledger.StatusActive)).
		Order("started_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.task()
}

// List returns tasks matching the filter, newest first.
func (s *GormTaskStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRecord{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.RequesterID != "" {
		q = q.Where("requester_id = ?", filter.RequesterID)
	}
	if filter.ParentTaskID != "" {
		q = q.Where("parent_task_id = ?", filter.ParentTaskID)
	}
	if filter.Source != "" {
		q = q.Where("source = ?", string(filter.Source))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []taskRecord
	if err := q.Order("created_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*ledger.Task, 0, len(recs))
	for i := range recs {
		task, err := recs[i].task()
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}
