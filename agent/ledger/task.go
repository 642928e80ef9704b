package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a transition is not allowed from
	// the task's current state.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrConflict is returned by stores when the task changed state between
	// load and update.
	ErrConflict = errors.New("task was modified concurrently")

	// ErrBrokenChain is returned when a parent task is not owned by the
	// requester of the child task.
	ErrBrokenChain = errors.New("parent task is not assigned to the requester")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Source records what created a task.
type Source string

const (
	SourceAgentAsk        Source = "agent_ask"
	SourceAgentDelegation Source = "agent_delegation"
	SourceUser            Source = "user"
	SourceSchedule        Source = "schedule"
)

// Priority is the requested urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps free text to a Priority. Unknown or empty values map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch p := Priority(s); p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p
	default:
		return PriorityNormal
	}
}

// StepStatus is the state of a single progress step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
)

// Step is an append-only progress record within a task.
type Step struct {
	Title     string     `json:"title"`
	Status    StepStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Task is a unit of work assigned to an agent.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Status      Status   `json:"status"`
	Source      Source   `json:"source"`
	Priority    Priority `json:"priority,omitempty"`

	// AgentID is the assignee.
	AgentID     string `json:"agent_id"`
	RequesterID string `json:"requester_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`

	// ParentTaskID links recursive delegation chains. When set, the parent is
	// assigned to RequesterID.
	ParentTaskID string `json:"parent_task_id,omitempty"`

	Context       map[string]any `json:"context,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Steps         []Step         `json:"steps,omitempty"`

	// Version increases with every stored change.
	Version int64 `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Context = cloneMap(t.Context)
	c.Result = cloneMap(t.Result)
	if t.Steps != nil {
		c.Steps = append([]Step(nil), t.Steps...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Start moves a pending task to active.
func (t *Task) Start(now time.Time) error {
	if t.Status != StatusPending {
		return t.transitionError("start")
	}
	t.Status = StatusActive
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// Complete moves an active task to completed and stores its result.
func (t *Task) Complete(result map[string]any, now time.Time) error {
	if t.Status != StatusActive {
		return t.transitionError("complete")
	}
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail moves any non-terminal task to failed and records the reason.
func (t *Task) Fail(reason string, now time.Time) error {
	if t.IsTerminal() {
		return t.transitionError("fail")
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// Cancel moves a pending or active task to cancelled.
func (t *Task) Cancel(reason string, now time.Time) error {
	if t.IsTerminal() {
		return t.transitionError("cancel")
	}
	t.Status = StatusCancelled
	t.FailureReason = reason
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// AddStep appends a pending step and returns its index.
func (t *Task) AddStep(title string, now time.Time) (int, error) {
	if t.IsTerminal() {
		return -1, t.transitionError("add step to")
	}
	t.Steps = append(t.Steps, Step{
		Title:     title,
		Status:    StepPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	t.UpdatedAt = now
	return len(t.Steps) - 1, nil
}

// AdvanceStep moves the step at index to status.
func (t *Task) AdvanceStep(index int, status StepStatus, now time.Time) error {
	if t.IsTerminal() {
		return t.transitionError("advance step of")
	}
	if index < 0 || index >= len(t.Steps) {
		return fmt.Errorf("step %d out of range (task %s has %d steps)", index, t.ID, len(t.Steps))
	}
	step := &t.Steps[index]
	if !stepTransitionAllowed(step.Status, status) {
		return fmt.Errorf("%w: step %d %s -> %s", ErrInvalidTransition, index, step.Status, status)
	}
	step.Status = status
	step.UpdatedAt = now
	t.UpdatedAt = now
	return nil
}

func stepTransitionAllowed(from, to StepStatus) bool {
	switch from {
	case StepPending:
		return to == StepInProgress || to == StepSkipped
	case StepInProgress:
		return to == StepCompleted || to == StepSkipped
	default:
		return false
	}
}

func (t *Task) transitionError(op string) error {
	return fmt.Errorf("%w: cannot %s task %s in state %s", ErrInvalidTransition, op, t.ID, t.Status)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
