package hitl

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when an approval request does not exist.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when a decision is recorded twice.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// RequestType 审批类型.
type RequestType string

const (
	RequestTypeToolExecution RequestType = "tool_execution"
	RequestTypeAgentContact  RequestType = "agent_contact"
)

// Status 审批状态. pending 只会迁移一次到终态.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// IsTerminal reports whether the status is a decision.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// PendingExecution 记录重放被拦截动作所需的全部上下文.
type PendingExecution struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	CallerID   string         `json:"caller_id"`
	TaskID     string         `json:"task_id,omitempty"`
}

// ApprovalRequest 代表一条等待人类决定的审批.
type ApprovalRequest struct {
	ID                   string           `json:"id"`
	Type                 RequestType      `json:"type"`
	Title                string           `json:"title"`
	Description          string           `json:"description"`
	RequesterID          string           `json:"requester_id"`
	Status               Status           `json:"status"`
	ToolExecutionContext PendingExecution `json:"tool_execution_context"`
	ChannelID            string           `json:"channel_id,omitempty"`
	ResolverID           string           `json:"resolver_id,omitempty"`
	Comment              string           `json:"comment,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ToolExecutionContext.Parameters != nil {
		c.ToolExecutionContext.Parameters = make(map[string]any, len(r.ToolExecutionContext.Parameters))
		for k, v := range r.ToolExecutionContext.Parameters {
			c.ToolExecutionContext.Parameters[k] = v
		}
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// MarkResolved moves a pending request to status. A request that is no
// longer pending yields ErrAlreadyResolved and is left untouched.
func (r *ApprovalRequest) MarkResolved(status Status, resolverID, comment string, at time.Time) error {
	if r.Status != StatusPending {
		return ErrAlreadyResolved
	}
	r.Status = status
	r.ResolverID = resolverID
	r.Comment = comment
	r.ResolvedAt = &at
	return nil
}

// Store 定义审批请求的存储接口. 不提供删除.
type Store interface {
	Save(ctx context.Context, req *ApprovalRequest) error
	Load(ctx context.Context, id string) (*ApprovalRequest, error)
	List(ctx context.Context, requesterID string, status Status) ([]*ApprovalRequest, error)
	// Resolve moves a pending request to status. A request that is no longer
	// pending yields ErrAlreadyResolved.
	Resolve(ctx context.Context, id string, status Status, resolverID, comment string, at time.Time) (*ApprovalRequest, error)
}

// InMemoryStore 为审批请求提供内存存储.
type InMemoryStore struct {
	requests map[string]*ApprovalRequest
	mu       sync.RWMutex
}

// NewInMemoryStore 创建新的内存审批存储.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*ApprovalRequest)}
}

func (s *InMemoryStore) Save(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context, requesterID string, status Status) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ApprovalRequest
	for _, req := range s.requests {
		if (requesterID == "" || req.RequesterID == requesterID) &&
			(status == "" || req.Status == status) {
			results = append(results, req.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results, nil
}

func (s *InMemoryStore) Resolve(ctx context.Context, id string, status Status, resolverID, comment string, at time.Time) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := req.MarkResolved(status, resolverID, comment, at); err != nil {
		return nil, err
	}
	return req.Clone(), nil
}
