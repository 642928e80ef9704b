package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTask_Transitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		from    Status
		apply   func(*Task) error
		want    Status
		wantErr bool
	}{
		{"start pending", StatusPending, func(t *Task) error { return t.Start(now) }, StatusActive, false},
		{"start active", StatusActive, func(t *Task) error { return t.Start(now) }, StatusActive, true},
		{"complete active", StatusActive, func(t *Task) error { return t.Complete(map[string]any{"response": "ok"}, now) }, StatusCompleted, false},
		{"complete pending", StatusPending, func(t *Task) error { return t.Complete(nil, now) }, StatusPending, true},
		{"fail pending", StatusPending, func(t *Task) error { return t.Fail("boom", now) }, StatusFailed, false},
		{"fail active", StatusActive, func(t *Task) error { return t.Fail("boom", now) }, StatusFailed, false},
		{"cancel pending", StatusPending, func(t *Task) error { return t.Cancel("nope", now) }, StatusCancelled, false},
		{"cancel active", StatusActive, func(t *Task) error { return t.Cancel("nope", now) }, StatusCancelled, false},
		{"fail completed", StatusCompleted, func(t *Task) error { return t.Fail("late", now) }, StatusCompleted, true},
		{"complete failed", StatusFailed, func(t *Task) error { return t.Complete(nil, now) }, StatusFailed, true},
		{"start cancelled", StatusCancelled, func(t *Task) error { return t.Start(now) }, StatusCancelled, true},
		{"cancel completed", StatusCompleted, func(t *Task) error { return t.Cancel("x", now) }, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{ID: "t1", Status: tt.from}
			err := tt.apply(task)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, task.Status)
		})
	}
}

func TestTask_CompleteStoresResult(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Status: StatusPending}
	require.NoError(t, task.Start(now))
	require.NotNil(t, task.StartedAt)

	require.NoError(t, task.Complete(map[string]any{"response": "ok"}, now.Add(time.Second)))
	assert.Equal(t, map[string]any{"response": "ok"}, task.Result)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, now.Add(time.Second), *task.CompletedAt)
}

func TestTask_Steps(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Status: StatusActive}

	i, err := task.AddStep("gather data", now)
	require.NoError(t, err)
	assert.Equal(t, 0, i)

	j, err := task.AddStep("write summary", now)
	require.NoError(t, err)
	assert.Equal(t, 1, j)

	require.NoError(t, task.AdvanceStep(0, StepInProgress, now))
	require.NoError(t, task.AdvanceStep(0, StepCompleted, now))
	require.NoError(t, task.AdvanceStep(1, StepSkipped, now))

	assert.ErrorIs(t, task.AdvanceStep(0, StepInProgress, now), ErrInvalidTransition)
	assert.Error(t, task.AdvanceStep(5, StepCompleted, now))

	require.NoError(t, task.Complete(nil, now))
	_, err = task.AddStep("too late", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, task.Steps, 2)
}

func TestTask_CloneIsDeep(t *testing.T) {
	now := time.Now()
	task := &Task{ID: "t1", Status: StatusActive, Context: map[string]any{"a": 1}, StartedAt: &now}
	_, _ = task.AddStep("s", now)

	c := task.Clone()
	c.Context["a"] = 2
	c.Steps[0].Title = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, 1, task.Context["a"])
	assert.Equal(t, "s", task.Steps[0].Title)
	assert.Equal(t, now, *task.StartedAt)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityUrgent, ParsePriority("urgent"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("whenever"))
}

// Any sequence of transitions leaves a terminal task terminal and unchanged.
func TestProperty_TerminalStatesAreFinal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		task := &Task{ID: "p", Status: StatusPending}
		now := time.Now()
		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 20).Draw(t, "ops")

		for _, op := range ops {
			before := task.Status
			var err error
			switch op {
			case 0:
				err = task.Start(now)
			case 1:
				err = task.Complete(map[string]any{"n": op}, now)
			case 2:
				err = task.Fail("f", now)
			case 3:
				err = task.Cancel("c", now)
			}
			if before.IsTerminal() {
				if err == nil {
					t.Fatalf("transition %d accepted from terminal %s", op, before)
				}
				if task.Status != before {
					t.Fatalf("terminal status changed %s -> %s", before, task.Status)
				}
			}
		}
	})
}
