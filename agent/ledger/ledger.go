package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransitionHook observes every persisted state change.
type TransitionHook func(task *Task, from Status)

// NewTask describes a task to create.
type NewTask struct {
	Title        string
	Description  string
	Type         string
	Source       Source
	Priority     Priority
	AgentID      string
	RequesterID  string
	ChannelID    string
	ParentTaskID string
	Context      map[string]any
}

// Ledger applies lifecycle transitions to persisted tasks.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	hooks  []TransitionHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTransitionHook registers a hook called after each persisted transition.
func WithTransitionHook(h TransitionHook) Option {
	return func(l *Ledger) { l.hooks = append(l.hooks, h) }
}

// New creates a ledger backed by store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:  store,
		logger: logger.With(zap.String("component", "task_ledger")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create persists a new pending task.
func (l *Ledger) Create(ctx context.Context, spec NewTask) (*Task, error) {
	if spec.AgentID == "" {
		return nil, fmt.Errorf("create task: agent id is required")
	}
	if spec.ParentTaskID != "" {
		parent, err := l.store.Get(ctx, spec.ParentTaskID)
		if err != nil {
			return nil, fmt.Errorf("load parent task %s: %w", spec.ParentTaskID, err)
		}
		if parent.AgentID != spec.RequesterID {
			return nil, fmt.Errorf("%w: parent %s belongs to %s, requester is %s",
				ErrBrokenChain, parent.ID, parent.AgentID, spec.RequesterID)
		}
	}

	now := l.now()
	task := &Task{
		ID:           uuid.New().String(),
		Title:        spec.Title,
		Description:  spec.Description,
		Type:         spec.Type,
		Status:       StatusPending,
		Source:       spec.Source,
		Priority:     spec.Priority,
		AgentID:      spec.AgentID,
		RequesterID:  spec.RequesterID,
		ChannelID:    spec.ChannelID,
		ParentTaskID: spec.ParentTaskID,
		Context:      spec.Context,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	if err := l.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	l.logger.Debug("task created",
		zap.String("task_id", task.ID),
		zap.String("agent_id", task.AgentID),
		zap.String("source", string(task.Source)),
		zap.String("parent_task_id", task.ParentTaskID),
	)
	return task, nil
}

// Get retrieves a task by ID.
func (l *Ledger) Get(ctx context.Context, taskID string) (*Task, error) {
	return l.store.Get(ctx, taskID)
}

// List returns tasks matching the filter.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]*Task, error) {
	return l.store.List(ctx, filter)
}

// ActiveTaskFor returns the task agentID is currently working on, or nil if
// it has none.
func (l *Ledger) ActiveTaskFor(ctx context.Context, agentID string) (*Task, error) {
	task, err := l.store.FindActive(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Start moves a pending task to active.
func (l *Ledger) Start(ctx context.Context, taskID string) (*Task, error) {
	return l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		return t.Start(now)
	})
}

// Complete moves an active task to completed with the given result.
func (l *Ledger) Complete(ctx context.Context, taskID string, result map[string]any) (*Task, error) {
	return l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		return t.Complete(result, now)
	})
}

// Fail moves a non-terminal task to failed.
func (l *Ledger) Fail(ctx context.Context, taskID, reason string) (*Task, error) {
	return l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		return t.Fail(reason, now)
	})
}

// Cancel moves a pending or active task to cancelled.
func (l *Ledger) Cancel(ctx context.Context, taskID, reason string) (*Task, error) {
	return l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		return t.Cancel(reason, now)
	})
}

// AddStep appends a pending step to a non-terminal task.
func (l *Ledger) AddStep(ctx context.Context, taskID, title string) (int, error) {
	var index int
	_, err := l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		var err error
		index, err = t.AddStep(title, now)
		return err
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

// AdvanceStep moves a step of a non-terminal task to status.
func (l *Ledger) AdvanceStep(ctx context.Context, taskID string, index int, status StepStatus) error {
	_, err := l.apply(ctx, taskID, func(t *Task, now time.Time) error {
		return t.AdvanceStep(index, status, now)
	})
	return err
}

// maxApplyAttempts bounds the read-modify-write retries of apply.
const maxApplyAttempts = 8

// apply re-reads and re-mutates the task until its versioned write lands.
// Mutation errors are returned as is; conflicts are retried.
func (l *Ledger) apply(ctx context.Context, taskID string, mutate func(*Task, time.Time) error) (*Task, error) {
	for attempt := 1; ; attempt++ {
		task, err := l.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		from := task.Status
		if err := mutate(task, l.now()); err != nil {
			l.logger.Warn("rejected task transition",
				zap.String("task_id", taskID),
				zap.String("status", string(from)),
				zap.Error(err),
			)
			return nil, err
		}

		err = l.store.Update(ctx, task, task.Version)
		if errors.Is(err, ErrConflict) && attempt < maxApplyAttempts {
			l.logger.Debug("task changed concurrently, retrying",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update task %s: %w", taskID, err)
		}

		if task.Status != from {
			l.logger.Debug("task transition",
				zap.String("task_id", taskID),
				zap.String("from", string(from)),
				zap.String("to", string(task.Status)),
			)
			for _, h := range l.hooks {
				h(task, from)
			}
		}
		return task, nil
	}
}
