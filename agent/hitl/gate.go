package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action 是可被闸门包裹的动作契约.
type Action interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Handle(ctx context.Context, call types.ToolCall) (string, error)
}

// ResolutionHandler 在审批被决定后调用.
type ResolutionHandler func(ctx context.Context, req *ApprovalRequest) error

// RequestOptions describes an action being held for approval.
type RequestOptions struct {
	Type        RequestType
	Title       string
	Description string
	RequesterID string
	ChannelID   string
	Tool        string
	Parameters  map[string]any
}

// Pending is the result of holding an action for approval.
type Pending struct {
	Request *ApprovalRequest
	// Paused is true when the requester is now blocked on the request.
	Paused bool
	Text   string
}

// Decision is a human verdict on a request.
type Decision struct {
	Approved   bool   `json:"approved"`
	ResolverID string `json:"resolver_id"`
	Comment    string `json:"comment,omitempty"`
}

// Gate 管理审批请求的创建与决定.
type Gate struct {
	store    Store
	agents   roster.Store
	logger   *zap.Logger
	now      func() time.Time
	handlers []ResolutionHandler
	mu       sync.RWMutex
}

// NewGate 创建审批闸门.
func NewGate(store Store, agents roster.Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:  store,
		agents: agents,
		logger: logger.With(zap.String("component", "approval_gate")),
		now:    time.Now,
	}
}

// OnResolved registers a handler run after every decision.
func (g *Gate) OnResolved(handler ResolutionHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

// Request records an approval request for the action described by opts.
// The action itself is never executed here.
func (g *Gate) Request(ctx context.Context, opts RequestOptions) (*Pending, error) {
	requester, err := g.agents.Get(ctx, opts.RequesterID)
	if err != nil {
		return nil, fmt.Errorf("load requester %s: %w", opts.RequesterID, err)
	}

	if opts.Type == "" {
		opts.Type = RequestTypeToolExecution
	}
	if opts.Title == "" {
		opts.Title = fmt.Sprintf("%s wants to run %s", requester.DisplayName(), opts.Tool)
	}

	taskID, _ := types.CurrentTaskID(ctx)
	req := &ApprovalRequest{
		ID:          uuid.NewString(),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		RequesterID: opts.RequesterID,
		Status:      StatusPending,
		ToolExecutionContext: PendingExecution{
			Tool:       opts.Tool,
			Parameters: opts.Parameters,
			CallerID:   opts.RequesterID,
			TaskID:     taskID,
		},
		ChannelID: opts.ChannelID,
		CreatedAt: g.now(),
	}
	if err := g.store.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	pending := &Pending{Request: req}
	if requester.MustWaitForApproval {
		if err := g.agents.SetAwaitingApproval(ctx, requester.ID, req.ID); err != nil {
			return nil, fmt.Errorf("mark requester awaiting approval: %w", err)
		}
		pending.Paused = true
		pending.Text = fmt.Sprintf(
			"Approval request %s created for %s. You are now paused and will be blocked until a human approves or rejects it.",
			req.ID, opts.Tool)
	} else {
		pending.Text = fmt.Sprintf(
			"Approval request %s created for %s. You may continue with other work or explicitly wait for the decision.",
			req.ID, opts.Tool)
	}

	g.logger.Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("caller_id", req.RequesterID),
		zap.String("tool", opts.Tool),
		zap.Bool("paused", pending.Paused),
	)
	return pending, nil
}

// Resolve records a decision exactly once.
func (g *Gate) Resolve(ctx context.Context, approvalID string, d Decision) (*ApprovalRequest, error) {
	status := StatusRejected
	if d.Approved {
		status = StatusApproved
	}

	req, err := g.store.Resolve(ctx, approvalID, status, d.ResolverID, d.Comment, g.now())
	if err != nil {
		return nil, err
	}

	if err := g.agents.ClearAwaitingApprovalIf(ctx, req.RequesterID, req.ID); err != nil {
		g.logger.Warn("failed to clear awaiting approval",
			zap.String("approval_id", req.ID),
			zap.String("caller_id", req.RequesterID),
			zap.Error(err),
		)
	}

	g.logger.Info("approval resolved",
		zap.String("approval_id", req.ID),
		zap.String("status", string(req.Status)),
		zap.String("resolver_id", d.ResolverID),
	)

	g.mu.RLock()
	handlers := append([]ResolutionHandler(nil), g.handlers...)
	g.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, req.Clone()); err != nil {
			g.logger.Error("resolution handler error", zap.String("approval_id", req.ID), zap.Error(err))
		}
	}
	return req, nil
}

// Get loads an approval request.
func (g *Gate) Get(ctx context.Context, approvalID string) (*ApprovalRequest, error) {
	return g.store.Load(ctx, approvalID)
}

// ListPending returns pending requests, optionally filtered by requester.
func (g *Gate) ListPending(ctx context.Context, requesterID string) ([]*ApprovalRequest, error) {
	return g.store.List(ctx, requesterID, StatusPending)
}

// Wrap returns an action with the same contract whose Handle only records
// an approval request.
func (g *Gate) Wrap(action Action) *GatedAction {
	return &GatedAction{inner: action, gate: g}
}

// GatedAction 包装动作; Handle 只创建审批请求.
type GatedAction struct {
	inner Action
	gate  *Gate
}

func (a *GatedAction) Name() string            { return a.inner.Name() }
func (a *GatedAction) Description() string     { return a.inner.Description() }
func (a *GatedAction) Schema() json.RawMessage { return a.inner.Schema() }

// Unwrap returns the wrapped action, for replay after approval.
func (a *GatedAction) Unwrap() Action { return a.inner }

// Handle records an approval request for the call and returns the outcome text.
func (a *GatedAction) Handle(ctx context.Context, call types.ToolCall) (string, error) {
	pending, err := a.gate.Request(ctx, RequestOptions{
		Type:        RequestTypeToolExecution,
		Description: a.inner.Description(),
		RequesterID: call.CallerID,
		ChannelID:   call.ChannelID,
		Tool:        a.inner.Name(),
		Parameters:  call.ArgumentMap(),
	})
	if err != nil {
		return "", err
	}
	return pending.Text, nil
}

// Replay runs the wrapped action with the parameters captured in req.
// It refuses requests that were not approved.
func Replay(ctx context.Context, action Action, req *ApprovalRequest) (string, error) {
	if req.Status != StatusApproved {
		return "", fmt.Errorf("approval %s is %s", req.ID, req.Status)
	}
	if action.Name() != req.ToolExecutionContext.Tool {
		return "", fmt.Errorf("approval %s is for %s, not %s", req.ID, req.ToolExecutionContext.Tool, action.Name())
	}
	args, err := json.Marshal(req.ToolExecutionContext.Parameters)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	if req.ToolExecutionContext.TaskID != "" {
		ctx = types.WithCurrentTaskID(ctx, req.ToolExecutionContext.TaskID)
	}
	return action.Handle(ctx, types.ToolCall{
		Name:      action.Name(),
		CallerID:  req.ToolExecutionContext.CallerID,
		ChannelID: req.ChannelID,
		Arguments: args,
	})
}
