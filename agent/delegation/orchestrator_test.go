package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/agent/calldepth"
	"github.com/BaSui01/agentrelay/agent/comms"
	"github.com/BaSui01/agentrelay/agent/dispatch"
	"github.com/BaSui01/agentrelay/agent/hitl"
	"github.com/BaSui01/agentrelay/agent/ledger"
	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/agent/sleep"
	"github.com/BaSui01/agentrelay/testutil"
	"github.com/BaSui01/agentrelay/testutil/fixtures"
	"github.com/BaSui01/agentrelay/testutil/mocks"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

// --- test doubles (function callback pattern) ---

type enqueued struct {
	job       dispatch.Job
	notBefore time.Time
}

type testDispatcher struct {
	mu       sync.Mutex
	handlers map[string]dispatch.Handler
	jobs     []enqueued
}

func newTestDispatcher() *testDispatcher {
	return &testDispatcher{handlers: make(map[string]dispatch.Handler)}
}

func (d *testDispatcher) Enqueue(ctx context.Context, job dispatch.Job, notBefore time.Time) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(d.jobs)+1)
	d.jobs = append(d.jobs, enqueued{job: job, notBefore: notBefore})
	return job.ID, nil
}

func (d *testDispatcher) Register(kind string, h dispatch.Handler) { d.handlers[kind] = h }
func (d *testDispatcher) Start(ctx context.Context) error          { return nil }
func (d *testDispatcher) Close() error                             { return nil }

func (d *testDispatcher) queued() []enqueued {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]enqueued(nil), d.jobs...)
}

// run executes the i-th queued job the way a worker would.
func (d *testDispatcher) run(t *testing.T, i int) {
	t.Helper()
	jobs := d.queued()
	require.Less(t, i, len(jobs))
	job := jobs[i].job
	h, ok := d.handlers[job.Kind]
	require.True(t, ok, "no handler for %s", job.Kind)
	require.NoError(t, h(context.Background(), &job))
}

type testEntrypoint struct {
	calls    atomic.Int32
	invokeFn func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error)
}

func (e *testEntrypoint) Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
	e.calls.Add(1)
	if e.invokeFn != nil {
		return e.invokeFn(ctx, target, channelID, message)
	}
	return "ok", nil
}

type fixture struct {
	orch     *Orchestrator
	agents   *roster.MemoryStore
	ledger   *ledger.Ledger
	channels *comms.MemoryResolver
	oracle   *permission.RuleOracle
	gate     *hitl.Gate
	disp     *testDispatcher
	entry    *testEntrypoint
}

func newFixture(t *testing.T, cfg Config, agents ...*roster.Agent) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		agents:   roster.NewMemoryStore(),
		channels: comms.NewMemoryResolver(),
		disp:     newTestDispatcher(),
		entry:    &testEntrypoint{},
	}
	f.ledger = ledger.New(ledger.NewMemoryStore(), logger)
	f.oracle = permission.NewRuleOracle(f.channels.Members, logger)
	f.gate = hitl.NewGate(hitl.NewInMemoryStore(), f.agents, logger)

	if len(agents) == 0 {
		agents = []*roster.Agent{
			{ID: "alice", Name: "Alice", Status: roster.StatusWorking},
			{ID: "bob", Name: "Bob", Status: roster.StatusIdle},
		}
	}
	for _, a := range agents {
		require.NoError(t, f.agents.Save(context.Background(), a))
	}

	f.orch = New(Deps{
		Agents:     f.agents,
		Ledger:     f.ledger,
		Channels:   f.channels,
		Oracle:     f.oracle,
		Gate:       f.gate,
		Sleep:      sleep.NewScheduler(f.agents, f.disp, sleep.DefaultConfig(), logger),
		Dispatcher: f.disp,
		Entrypoint: f.entry,
	}, cfg, logger)
	return f
}

func (f *fixture) tasks(t *testing.T) []*ledger.Task {
	t.Helper()
	tasks, err := f.ledger.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	return tasks
}

func (f *fixture) history(t *testing.T, a, b string) []*comms.Message {
	t.Helper()
	ctx := context.Background()
	id, err := f.channels.GetOrCreateDMChannel(ctx, a, b)
	require.NoError(t, err)
	msgs, err := f.channels.History(ctx, id, 0)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) agent(t *testing.T, id string) *roster.Agent {
	t.Helper()
	a, err := f.agents.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

// --- validation ---

func TestHandleContact_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid action", func(t *testing.T) {
		f := newFixture(t, Config{})
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ParseAction("shout"), Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrInvalidAction, out.Code)
		assert.Empty(t, f.tasks(t))
	})

	t.Run("self contact creates nothing", func(t *testing.T) {
		f := newFixture(t, Config{})
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "alice", Action: ActionAsk, Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrSelfContact, out.Code)
		assert.Empty(t, f.tasks(t))
		assert.Zero(t, f.entry.calls.Load())
	})

	t.Run("unknown target", func(t *testing.T) {
		f := newFixture(t, Config{})
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "zed", Action: ActionAsk, Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrAgentNotFound, out.Code)
	})

	t.Run("human target", func(t *testing.T) {
		f := newFixture(t, Config{},
			&roster.Agent{ID: "alice", Name: "Alice"},
			&roster.Agent{ID: "hank", Name: "Hank", Kind: roster.KindHuman},
		)
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "hank", Action: ActionNotify, Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrAgentNotFound, out.Code)
	})

	t.Run("denied by rule", func(t *testing.T) {
		f := newFixture(t, Config{})
		require.NoError(t, f.oracle.AddRule(permission.Rule{
			ID: "no-bob", CallerPattern: "*", TargetPattern: "bob", Decision: permission.DecisionDeny,
		}))
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrPermissionDenied, out.Code)
		assert.Empty(t, f.tasks(t))
	})

	t.Run("context channel not readable", func(t *testing.T) {
		f := newFixture(t, Config{})
		ch, err := f.channels.CreateChannel(ctx, "secret", []string{"bob"})
		require.NoError(t, err)
		out, err := f.orch.HandleContact(ctx, "alice", Request{
			TargetID: "bob", Action: ActionAsk, Message: "hi", ContextChannelID: ch.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, types.ErrPermissionDenied, out.Code)
	})

	t.Run("offline target", func(t *testing.T) {
		f := newFixture(t, Config{},
			&roster.Agent{ID: "alice", Name: "Alice"},
			&roster.Agent{ID: "bob", Name: "Bob", Status: roster.StatusOffline},
		)
		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "hi"})
		require.NoError(t, err)
		assert.Equal(t, types.ErrAgentOffline, out.Code)

		// notifications still go through
		out, err = f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionNotify, Message: "fyi"})
		require.NoError(t, err)
		assert.True(t, out.OK())
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := newFixture(t, Config{})
		_, err := f.orch.HandleContact(testutil.CancelledContext(), "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "hi"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.tasks(t))
	})
}

// --- ask ---

func TestAsk_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{},
		&roster.Agent{ID: "alice", Name: "Alice", Status: roster.StatusWorking},
		&roster.Agent{ID: "bob", Name: "T", Status: roster.StatusIdle},
	)
	var sawTask string
	f.entry.invokeFn = func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		sawTask, _ = types.CurrentTaskID(ctx)
		return "ok", nil
	}

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "status?"})
	require.NoError(t, err)
	require.True(t, out.OK(), out.Text)
	assert.Equal(t, "Response from T: ok", out.Text)

	tasks := f.tasks(t)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, ledger.StatusCompleted, task.Status)
	assert.Equal(t, ledger.SourceAgentAsk, task.Source)
	assert.Equal(t, map[string]any{"response": "ok"}, task.Result)
	assert.Equal(t, task.ID, out.TaskID)
	assert.Equal(t, task.ID, sawTask)

	msgs := f.history(t, "alice", "bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, comms.SourceAsk, msgs[0].Source)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Contains(t, msgs[0].Text, "[ASK from Alice]")
	assert.Equal(t, comms.SourceResponse, msgs[1].Source)
	assert.Equal(t, "bob", msgs[1].SenderID)
}

func TestAsk_Timeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{AskTimeout: 50 * time.Millisecond})
	slow := mocks.NewEntrypoint().WithDelay(time.Minute)
	f.entry.invokeFn = slow.Invoke

	ctx, tracker := calldepth.NewContext(ctx)
	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "slow"})
	require.NoError(t, err)
	assert.Equal(t, types.ErrAskTimeout, out.Code)
	assert.Contains(t, out.Text, "Use delegate instead")
	assert.Zero(t, tracker.CurrentDepth())

	tasks := f.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, ledger.StatusFailed, tasks[0].Status)
	assert.True(t, strings.HasPrefix(tasks[0].FailureReason, "Timeout"), tasks[0].FailureReason)

	msgs := f.history(t, "alice", "bob")
	require.Len(t, msgs, 1, "no response entry after a timeout")
	assert.Equal(t, comms.SourceAsk, msgs[0].Source)

	// the entrypoint saw its context expire
	testutil.AssertEventuallyEqual(t, 1, func() any { return slow.CallCount() }, time.Second)
	call, ok := slow.LastCall()
	require.True(t, ok)
	assert.ErrorIs(t, call.Error, context.DeadlineExceeded)
}

func TestAsk_TimeoutWhenEntrypointIgnoresCancellation(t *testing.T) {
	ctx := context.Background()
	const timeout = 50 * time.Millisecond
	f := newFixture(t, Config{AskTimeout: timeout})
	stubborn := mocks.NewEntrypoint().WithFunc(func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		time.Sleep(400 * time.Millisecond)
		return "late answer", nil
	})
	f.entry.invokeFn = stubborn.Invoke

	ctx, tracker := calldepth.NewContext(ctx)
	start := time.Now()
	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "slow"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, types.ErrAskTimeout, out.Code)
	assert.Less(t, elapsed, 300*time.Millisecond, "control returns at the timeout, not when the call ends")
	assert.Zero(t, tracker.CurrentDepth())

	// the abandoned call finishes later; its reply is dropped
	testutil.AssertEventuallyTrue(t, func() bool { return stubborn.CallCount() == 1 }, 2*time.Second)
	call, ok := stubborn.LastCall()
	require.True(t, ok)
	assert.Equal(t, "late answer", call.Reply)

	task, err := f.ledger.Get(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, task.Status)
	assert.Nil(t, task.Result)
	assert.Len(t, f.history(t, "alice", "bob"), 1)
	assert.Zero(t, tracker.CurrentDepth())
}

func TestAsk_TargetError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.entry.invokeFn = mocks.NewEntrypoint().WithError(errors.New("boom")).Invoke

	ctx, tracker := calldepth.NewContext(ctx)
	_, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, tracker.CurrentDepth())

	tasks := f.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, ledger.StatusFailed, tasks[0].Status)
	assert.Equal(t, "boom", tasks[0].FailureReason)
}

func TestAsk_WakesSleepingTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{},
		fixtures.NewAgent("alice", fixtures.Working()),
		fixtures.NewAgent("bob", fixtures.SleepingUntil(time.Now().Add(time.Hour), "nap")),
	)
	require.NotNil(t, f.agent(t, "bob").SleepingUntil)

	var asleepDuringInvoke bool
	f.entry.invokeFn = func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		a, err := f.agents.Get(ctx, target.ID)
		if err != nil {
			return "", err
		}
		asleepDuringInvoke = a.SleepingUntil != nil
		return "awake", nil
	}

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "up?"})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.False(t, asleepDuringInvoke)
	assert.Nil(t, f.agent(t, "bob").SleepingUntil)
}

// chainFixture builds agents a0..a(n) and an entrypoint where each ai asks
// a(i+1). hop, when set, derives the context of each nested ask from the
// context the target was invoked with.
func chainFixture(t *testing.T, n int, hop func(context.Context) context.Context) (*fixture, *[]types.ErrorCode) {
	t.Helper()
	var agents []*roster.Agent
	for i := 0; i <= n; i++ {
		agents = append(agents, &roster.Agent{ID: fmt.Sprintf("a%d", i), Name: fmt.Sprintf("A%d", i)})
	}
	f := newFixture(t, Config{}, agents...)

	var mu sync.Mutex
	codes := &[]types.ErrorCode{}
	f.entry.invokeFn = func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		var i int
		_, _ = fmt.Sscanf(target.ID, "a%d", &i)
		if i >= n {
			return "leaf", nil
		}
		if hop != nil {
			ctx = hop(ctx)
		}
		out, err := f.orch.HandleContact(ctx, target.ID, Request{
			TargetID: fmt.Sprintf("a%d", i+1), Action: ActionAsk, Message: "next",
		})
		if err != nil {
			return "", err
		}
		mu.Lock()
		*codes = append(*codes, out.Code)
		mu.Unlock()
		return out.Text, nil
	}
	return f, codes
}

func TestAsk_DepthLimit(t *testing.T) {
	f, codes := chainFixture(t, 4, nil)
	ctx, tracker := calldepth.NewContext(context.Background())

	out, err := f.orch.HandleContact(ctx, "a0", Request{TargetID: "a1", Action: ActionAsk, Message: "go"})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Zero(t, tracker.CurrentDepth())

	// innermost first: a3->a4 is the fourth nested ask
	require.Len(t, *codes, 3)
	assert.Equal(t, types.ErrDepthExceeded, (*codes)[0])
	assert.Equal(t, types.ErrorCode(""), (*codes)[1])
	assert.Equal(t, types.ErrorCode(""), (*codes)[2])

	// rejected ask left no task behind: a0->a1, a1->a2, a2->a3
	tasks := f.tasks(t)
	assert.Len(t, tasks, 3)
	byAgent := map[string]*ledger.Task{}
	for _, task := range tasks {
		byAgent[task.AgentID] = task
	}
	assert.Empty(t, byAgent["a1"].ParentTaskID)
	assert.Equal(t, byAgent["a1"].ID, byAgent["a2"].ParentTaskID)
	assert.Equal(t, byAgent["a2"].ID, byAgent["a3"].ParentTaskID)
}

func TestAsk_DepthLimitAcrossDetachedHops(t *testing.T) {
	tests := []struct {
		name string
		hop  func(context.Context) context.Context
	}{
		{
			// the nested request carries nothing, as a webhook agent that
			// ignores the task id would send it
			name: "caller's active task",
			hop:  func(context.Context) context.Context { return context.Background() },
		},
		{
			name: "forwarded task id",
			hop: func(ctx context.Context) context.Context {
				id, _ := types.CurrentTaskID(ctx)
				return types.WithCurrentTaskID(context.Background(), id)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, codes := chainFixture(t, 6, tt.hop)

			out, err := f.orch.HandleContact(context.Background(), "a0", Request{TargetID: "a1", Action: ActionAsk, Message: "go"})
			require.NoError(t, err)
			assert.True(t, out.OK(), out.Text)

			require.Len(t, *codes, 3)
			assert.Equal(t, types.ErrDepthExceeded, (*codes)[0])
			assert.Equal(t, types.ErrorCode(""), (*codes)[1])
			assert.Equal(t, types.ErrorCode(""), (*codes)[2])
			assert.Equal(t, int32(3), f.entry.calls.Load())
			assert.Len(t, f.tasks(t), 3)
		})
	}
}

func TestAsk_DepthIgnoresFinishedAsks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	// a finished ask of alice's and an unrelated delegated task do not count
	done, err := f.ledger.Create(ctx, ledger.NewTask{Title: "old", Source: ledger.SourceAgentAsk, AgentID: "alice", RequesterID: "bob"})
	require.NoError(t, err)
	_, err = f.ledger.Start(ctx, done.ID)
	require.NoError(t, err)
	_, err = f.ledger.Complete(ctx, done.ID, nil)
	require.NoError(t, err)
	work, err := f.ledger.Create(ctx, ledger.NewTask{Title: "work", Source: ledger.SourceAgentDelegation, AgentID: "alice", RequesterID: "bob"})
	require.NoError(t, err)
	_, err = f.ledger.Start(ctx, work.ID)
	require.NoError(t, err)

	var depth int
	f.entry.invokeFn = func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		if tr, ok := calldepth.FromContext(ctx); ok {
			depth = tr.CurrentDepth()
		}
		return "ok", nil
	}
	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "q"})
	require.NoError(t, err)
	assert.True(t, out.OK(), out.Text)
	assert.Equal(t, 1, depth)
}

func TestAsk_DepthProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "chain")
		f, codes := chainFixture(t, n, nil)
		ctx, tracker := calldepth.NewContext(context.Background())

		_, err := f.orch.HandleContact(ctx, "a0", Request{TargetID: "a1", Action: ActionAsk, Message: "go"})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if d := tracker.CurrentDepth(); d != 0 {
			rt.Fatalf("depth %d after chain returned", d)
		}
		rejected := 0
		for _, c := range *codes {
			if c == types.ErrDepthExceeded {
				rejected++
			}
		}
		want := 0
		if n > calldepth.DefaultMaxDepth {
			want = 1
		}
		if rejected != want {
			rt.Fatalf("chain of %d: %d rejections, want %d", n, rejected, want)
		}
		if got, wantTasks := len(f.tasks(t)), min(n, calldepth.DefaultMaxDepth); got != wantTasks {
			rt.Fatalf("chain of %d: %d tasks, want %d", n, got, wantTasks)
		}
	})
}

// --- delegate ---

func TestDelegate_RunsAsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	worker := mocks.NewEntrypoint().WithDefaultReply("report ready")
	f.entry.invokeFn = worker.Invoke

	before := time.Now()
	out, err := f.orch.HandleContact(ctx, "alice", Request{
		TargetID: "bob", Action: ActionDelegate, Message: "write the report", Priority: "high",
	})
	require.NoError(t, err)
	require.True(t, out.OK(), out.Text)
	assert.Contains(t, out.Text, "Delegated to Bob as task "+out.TaskID)
	assert.Zero(t, f.entry.calls.Load(), "delegate returns before the target runs")

	task, err := f.ledger.Get(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, task.Status)
	assert.Equal(t, ledger.SourceAgentDelegation, task.Source)
	assert.Equal(t, ledger.PriorityHigh, task.Priority)
	assert.True(t, f.agent(t, "alice").IsAwaiting(task.ID))

	jobs := f.disp.queued()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobKindDelegatedTask, jobs[0].job.Kind)
	assert.False(t, jobs[0].notBefore.Before(before))

	f.disp.run(t, 0)

	task, err = f.ledger.Get(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, task.Status)
	assert.Equal(t, "report ready", task.Result["response"])
	assert.False(t, f.agent(t, "alice").IsAwaiting(task.ID))

	msgs := f.history(t, "alice", "bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, comms.SourceDelegation, msgs[0].Source)
	assert.Contains(t, msgs[0].Text, "(priority: high)")
	assert.Equal(t, comms.SourceResponse, msgs[1].Source)

	calls := worker.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob", calls[0].TargetID)
	assert.Equal(t, "write the report", calls[0].Message)

	// duplicate delivery is a no-op
	f.disp.run(t, 0)
	assert.Equal(t, int32(1), f.entry.calls.Load())
	assert.Len(t, f.history(t, "alice", "bob"), 2)
}

func TestDelegate_FailurePostsNotice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.entry.invokeFn = func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
		return "", errors.New("disk full")
	}

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionDelegate, Message: "x"})
	require.NoError(t, err)
	f.disp.run(t, 0)

	task, err := f.ledger.Get(ctx, out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, task.Status)
	assert.Equal(t, "disk full", task.FailureReason)
	assert.False(t, f.agent(t, "alice").IsAwaiting(task.ID))

	msgs := f.history(t, "alice", "bob")
	require.Len(t, msgs, 2)
	assert.Equal(t, comms.SourceSystem, msgs[1].Source)
	assert.Contains(t, msgs[1].Text, "[TASK FAILED]")
}

func TestDelegate_SleepingTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("waits for wake time", func(t *testing.T) {
		f := newFixture(t, Config{})
		until := time.Now().Add(2 * time.Hour).Truncate(time.Second)
		require.NoError(t, f.agents.SetSleep(ctx, "bob", until, "offline window"))

		out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionDelegate, Message: "later"})
		require.NoError(t, err)
		assert.True(t, out.OK())
		assert.Contains(t, out.Text, "asleep")

		jobs := f.disp.queued()
		require.Len(t, jobs, 1)
		assert.True(t, jobs[0].notBefore.Equal(until))
		assert.NotNil(t, f.agent(t, "bob").SleepingUntil, "delegate does not wake")

		// delivered early: task is re-queued, not started
		f.disp.run(t, 0)
		task, err := f.ledger.Get(ctx, out.TaskID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, task.Status)
		assert.Len(t, f.disp.queued(), 2)
		assert.Zero(t, f.entry.calls.Load())
	})

	t.Run("wake priority", func(t *testing.T) {
		f := newFixture(t, Config{WakeOnPriority: []ledger.Priority{ledger.PriorityUrgent}})
		require.NoError(t, f.agents.SetSleep(ctx, "bob", time.Now().Add(time.Hour), "nap"))

		out, err := f.orch.HandleContact(ctx, "alice", Request{
			TargetID: "bob", Action: ActionDelegate, Message: "now", Priority: "urgent",
		})
		require.NoError(t, err)
		assert.NotContains(t, out.Text, "asleep")
		assert.Nil(t, f.agent(t, "bob").SleepingUntil)
	})
}

// --- notify ---

func TestNotify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionNotify, Message: "deploy done"})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Empty(t, out.TaskID)
	assert.Empty(t, f.tasks(t))
	assert.Empty(t, f.disp.queued())
	assert.Zero(t, f.entry.calls.Load())

	msgs := f.history(t, "alice", "bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, comms.SourceNotify, msgs[0].Source)
}

// --- approval ---

func TestApproval_PausesAndReplays(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{},
		fixtures.NewAgent("alice", fixtures.MustWaitForApproval()),
		fixtures.NewAgent("bob"),
	)
	require.NoError(t, f.oracle.AddRule(permission.Rule{
		ID: "gate-bob", CallerPattern: "alice", TargetPattern: "bob", Decision: permission.DecisionRequireApproval,
	}))

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "may I?"})
	require.NoError(t, err)
	assert.Equal(t, types.ErrApprovalPending, out.Code)
	assert.True(t, out.Paused)
	require.NotEmpty(t, out.ApprovalID)
	assert.Contains(t, out.Text, "paused")

	assert.Empty(t, f.tasks(t))
	assert.Zero(t, f.entry.calls.Load())
	assert.Equal(t, out.ApprovalID, f.agent(t, "alice").AwaitingApprovalID)

	req, err := f.gate.Get(ctx, out.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, hitl.RequestTypeAgentContact, req.Type)
	assert.Equal(t, ToolName, req.ToolExecutionContext.Tool)
	assert.Equal(t, "bob", req.ToolExecutionContext.Parameters["target_id"])

	_, err = f.gate.Resolve(ctx, out.ApprovalID, hitl.Decision{Approved: true, ResolverID: "root"})
	require.NoError(t, err)
	assert.Empty(t, f.agent(t, "alice").AwaitingApprovalID)

	jobs := f.disp.queued()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobKindApprovedContact, jobs[0].job.Kind)

	f.disp.run(t, 0)
	tasks := f.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, ledger.StatusCompleted, tasks[0].Status)
	assert.Equal(t, int32(1), f.entry.calls.Load())
}

func TestApproval_Rejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	require.NoError(t, f.oracle.AddRule(permission.Rule{
		ID: "gate-all", CallerPattern: "*", TargetPattern: "*", Decision: permission.DecisionRequireApproval,
	}))

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionDelegate, Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, types.ErrApprovalPending, out.Code)
	assert.False(t, out.Paused)
	assert.Contains(t, out.Text, "continue with other work")

	_, err = f.gate.Resolve(ctx, out.ApprovalID, hitl.Decision{Approved: false, ResolverID: "root"})
	require.NoError(t, err)
	assert.Empty(t, f.disp.queued())
	assert.Empty(t, f.tasks(t))
}

// --- tool surface ---

func TestHandleTool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	args, err := json.Marshal(ToolArgs{TargetID: "bob", Action: "ask", Message: "ping"})
	require.NoError(t, err)
	text, err := f.orch.Tool().Handle(ctx, types.ToolCall{ID: "c1", Name: ToolName, CallerID: "alice", Arguments: args})
	require.NoError(t, err)
	assert.Equal(t, "Response from Bob: ok", text)

	text, err = f.orch.HandleTool(ctx, types.ToolCall{
		Name: ToolName, CallerID: "alice",
		Arguments: json.RawMessage(`{"target_id":"bob","action":"yell","message":"x"}`),
	})
	require.NoError(t, err)
	assert.Contains(t, text, "Invalid action")

	_, err = f.orch.HandleTool(ctx, types.ToolCall{Name: ToolName, CallerID: "alice", Arguments: json.RawMessage(`{`)})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))

	def := ToolDefinition()
	assert.Equal(t, ToolName, def.Name)
	assert.True(t, json.Valid(def.Parameters))
}

func TestActionText(t *testing.T) {
	for _, a := range []Action{ActionAsk, ActionDelegate, ActionNotify} {
		data, err := a.MarshalText()
		require.NoError(t, err)
		var back Action
		require.NoError(t, back.UnmarshalText(data))
		assert.Equal(t, a, back)
	}
	_, err := Action(0).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, ActionAsk, ParseAction(" ASK "))
	assert.False(t, ParseAction("shout").Valid())
}

// --- otel instruments ---

func TestContact_RecordsOtelInstruments(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture(t, Config{})
	in, err := newInstruments(provider.Meter("test"))
	require.NoError(t, err)
	f.orch.otelm = in

	out, err := f.orch.HandleContact(ctx, "alice", Request{TargetID: "bob", Action: ActionAsk, Message: "ping"})
	require.NoError(t, err)
	require.True(t, out.OK())
	out, err = f.orch.HandleContact(ctx, "alice", Request{TargetID: "alice", Action: ActionNotify, Message: "me"})
	require.NoError(t, err)
	require.False(t, out.OK())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	contacts := map[string]int64{}
	var asks uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				require.Equal(t, "agentrelay.contact.total", m.Name)
				for _, dp := range data.DataPoints {
					action, _ := dp.Attributes.Value("action")
					outcome, _ := dp.Attributes.Value("outcome")
					contacts[action.AsString()+"/"+outcome.AsString()] += dp.Value
				}
			case metricdata.Histogram[float64]:
				require.Equal(t, "agentrelay.ask.duration", m.Name)
				for _, dp := range data.DataPoints {
					outcome, _ := dp.Attributes.Value("outcome")
					assert.Equal(t, "completed", outcome.AsString())
					asks += dp.Count
				}
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"ask/ok":                                 1,
		"notify/" + string(types.ErrSelfContact): 1,
	}, contacts)
	assert.Equal(t, uint64(1), asks)
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *instruments
	assert.NotPanics(t, func() {
		in.recordContact(context.Background(), "ask", "ok")
		in.recordAsk(context.Background(), "completed", time.Second)
	})
}
