package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/hitl"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormApprovalStore is a database implementation of hitl.Store.
type GormApprovalStore struct {
	db *gorm.DB
}

var _ hitl.Store = (*GormApprovalStore)(nil)

// NewGormApprovalStore creates an approval store on db. Call AutoMigrate first.
func NewGormApprovalStore(db *gorm.DB) *GormApprovalStore {
	return &GormApprovalStore{db: db}
}

func toApprovalRecord(req *hitl.ApprovalRequest) (*approvalRecord, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal approval request: %w", err)
	}
	return &approvalRecord{
		ID:          req.ID,
		RequesterID: req.RequesterID,
		Status:      string(req.Status),
		Data:        string(data),
		CreatedAt:   req.CreatedAt,
	}, nil
}

func (r *approvalRecord) request() (*hitl.ApprovalRequest, error) {
	var req hitl.ApprovalRequest
	if err := json.Unmarshal([]byte(r.Data), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval request %s: %w", r.ID, err)
	}
	return &req, nil
}

func (s *GormApprovalStore) Save(ctx context.Context, req *hitl.ApprovalRequest) error {
	rec, err := toApprovalRecord(req)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (s *GormApprovalStore) Load(ctx context.Context, id string) (*hitl.ApprovalRequest, error) {
	var rec approvalRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, hitl.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.request()
}

// List returns requests oldest first. Empty requesterID or status match all.
func (s *GormApprovalStore) List(ctx context.Context, requesterID string, status hitl.Status) ([]*hitl.ApprovalRequest, error) {
	q := s.db.WithContext(ctx).Model(&approvalRecord{})
	if requesterID != "" {
		q = q.Where("requester_id = ?", requesterID)
	}
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var recs []approvalRecord
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*hitl.ApprovalRequest, 0, len(recs))
	for i := range recs {
		req, err := recs[i].request()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Resolve moves a pending request to status exactly once. The UPDATE is
// conditional on the stored status still being pending.
func (s *GormApprovalStore) Resolve(ctx context.Context, id string, status hitl.Status, resolverID, comment string, at time.Time) (*hitl.ApprovalRequest, error) {
	req, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.MarkResolved(status, resolverID, comment, at); err != nil {
		return nil, err
	}
	rec, err := toApprovalRecord(req)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&approvalRecord{}).
		Where("id = ? AND status = ?", id, string(hitl.StatusPending)).
		Updates(map[string]any{"status": rec.Status, "data": rec.Data})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, hitl.ErrAlreadyResolved
	}
	return req, nil
}
