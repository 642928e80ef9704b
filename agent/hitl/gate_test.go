package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles (function callback pattern) ---

type testAction struct {
	name     string
	handleFn func(ctx context.Context, call types.ToolCall) (string, error)
}

func (a *testAction) Name() string            { return a.name }
func (a *testAction) Description() string     { return "deletes a file" }
func (a *testAction) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (a *testAction) Handle(ctx context.Context, call types.ToolCall) (string, error) {
	if a.handleFn != nil {
		return a.handleFn(ctx, call)
	}
	return "done", nil
}

func newTestGate(t *testing.T, agents ...*roster.Agent) (*Gate, *InMemoryStore, *roster.MemoryStore) {
	t.Helper()
	rs := roster.NewMemoryStore()
	for _, a := range agents {
		require.NoError(t, rs.Save(context.Background(), a))
	}
	store := NewInMemoryStore()
	return NewGate(store, rs, nil), store, rs
}

func TestNewGate(t *testing.T) {
	t.Run("nil logger defaults to nop", func(t *testing.T) {
		g := NewGate(NewInMemoryStore(), roster.NewMemoryStore(), nil)
		require.NotNil(t, g)
		assert.NotNil(t, g.logger)
	})
}

func TestGatedAction_NeverExecutesWrappedAction(t *testing.T) {
	g, store, rs := newTestGate(t, &roster.Agent{ID: "alice", Name: "Alice"})

	var executed atomic.Bool
	inner := &testAction{name: "delete_file", handleFn: func(ctx context.Context, call types.ToolCall) (string, error) {
		executed.Store(true)
		return "deleted", nil
	}}
	gated := g.Wrap(inner)

	assert.Equal(t, "delete_file", gated.Name())
	assert.Equal(t, inner.Description(), gated.Description())
	assert.JSONEq(t, `{"type":"object"}`, string(gated.Schema()))

	ctx := types.WithCurrentTaskID(context.Background(), "task-9")
	text, err := gated.Handle(ctx, types.ToolCall{
		Name:      "delete_file",
		CallerID:  "alice",
		Arguments: json.RawMessage(`{"path":"/tmp/x","force":true}`),
	})
	require.NoError(t, err)
	assert.False(t, executed.Load())
	assert.Contains(t, text, "continue")

	pending, err := store.List(context.Background(), "alice", StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ec := pending[0].ToolExecutionContext
	assert.Equal(t, "delete_file", ec.Tool)
	assert.Equal(t, map[string]any{"path": "/tmp/x", "force": true}, ec.Parameters)
	assert.Equal(t, "task-9", ec.TaskID)

	a, _ := rs.Get(context.Background(), "alice")
	assert.Empty(t, a.AwaitingApprovalID)
}

func TestGate_RequestPausesCallerThatMustWait(t *testing.T) {
	g, _, rs := newTestGate(t, &roster.Agent{ID: "bob", MustWaitForApproval: true})

	pending, err := g.Request(context.Background(), RequestOptions{
		RequesterID: "bob",
		Tool:        "contact_agent",
		Parameters:  map[string]any{"target": "carol"},
	})
	require.NoError(t, err)
	assert.True(t, pending.Paused)
	assert.Contains(t, pending.Text, "blocked")
	assert.Equal(t, StatusPending, pending.Request.Status)

	a, _ := rs.Get(context.Background(), "bob")
	assert.Equal(t, pending.Request.ID, a.AwaitingApprovalID)
}

func TestGate_RequestUnknownRequester(t *testing.T) {
	g, _, _ := newTestGate(t)
	_, err := g.Request(context.Background(), RequestOptions{RequesterID: "ghost", Tool: "x"})
	assert.ErrorIs(t, err, roster.ErrNotFound)
}

func TestGate_ResolveExactlyOnce(t *testing.T) {
	g, _, rs := newTestGate(t, &roster.Agent{ID: "bob", MustWaitForApproval: true})
	ctx := context.Background()

	var notified []*ApprovalRequest
	var mu sync.Mutex
	g.OnResolved(func(ctx context.Context, req *ApprovalRequest) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, req)
		return errors.New("handler errors are logged")
	})

	pending, err := g.Request(ctx, RequestOptions{RequesterID: "bob", Tool: "deploy"})
	require.NoError(t, err)

	req, err := g.Resolve(ctx, pending.Request.ID, Decision{Approved: true, ResolverID: "human-1", Comment: "ok"})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, "human-1", req.ResolverID)
	require.NotNil(t, req.ResolvedAt)

	_, err = g.Resolve(ctx, pending.Request.ID, Decision{Approved: false, ResolverID: "human-2"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	loaded, err := g.Get(ctx, pending.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, loaded.Status)

	a, _ := rs.Get(ctx, "bob")
	assert.Empty(t, a.AwaitingApprovalID)

	mu.Lock()
	assert.Len(t, notified, 1)
	mu.Unlock()
}

func TestGate_ResolveConcurrentSingleWinner(t *testing.T) {
	g, _, _ := newTestGate(t, &roster.Agent{ID: "bob"})
	ctx := context.Background()
	pending, err := g.Request(ctx, RequestOptions{RequesterID: "bob", Tool: "deploy"})
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			if _, err := g.Resolve(ctx, pending.Request.ID, Decision{Approved: approve}); err == nil {
				wins.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestGate_ResolveKeepsNewerAwaitingApproval(t *testing.T) {
	g, _, rs := newTestGate(t, &roster.Agent{ID: "bob", MustWaitForApproval: true})
	ctx := context.Background()

	first, err := g.Request(ctx, RequestOptions{RequesterID: "bob", Tool: "a"})
	require.NoError(t, err)
	second, err := g.Request(ctx, RequestOptions{RequesterID: "bob", Tool: "b"})
	require.NoError(t, err)

	_, err = g.Resolve(ctx, first.Request.ID, Decision{Approved: false})
	require.NoError(t, err)

	a, _ := rs.Get(ctx, "bob")
	assert.Equal(t, second.Request.ID, a.AwaitingApprovalID)

	open, err := g.ListPending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.Request.ID, open[0].ID)
}

func TestReplay(t *testing.T) {
	g, _, _ := newTestGate(t, &roster.Agent{ID: "alice"})
	ctx := context.Background()

	var got types.ToolCall
	var gotTask string
	inner := &testAction{name: "delete_file", handleFn: func(ctx context.Context, call types.ToolCall) (string, error) {
		got = call
		gotTask, _ = types.CurrentTaskID(ctx)
		return "deleted", nil
	}}

	taskCtx := types.WithCurrentTaskID(ctx, "task-1")
	_, err := g.Wrap(inner).Handle(taskCtx, types.ToolCall{CallerID: "alice", Arguments: json.RawMessage(`{"path":"/a"}`)})
	require.NoError(t, err)
	open, _ := g.ListPending(ctx, "alice")
	require.Len(t, open, 1)

	_, err = Replay(ctx, inner, open[0])
	assert.Error(t, err, "pending requests cannot be replayed")

	approved, err := g.Resolve(ctx, open[0].ID, Decision{Approved: true})
	require.NoError(t, err)

	_, err = Replay(ctx, &testAction{name: "other"}, approved)
	assert.Error(t, err)

	out, err := Replay(ctx, inner, approved)
	require.NoError(t, err)
	assert.Equal(t, "deleted", out)
	assert.Equal(t, "alice", got.CallerID)
	assert.JSONEq(t, `{"path":"/a"}`, string(got.Arguments))
	assert.Equal(t, "task-1", gotTask)
}

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	req := &ApprovalRequest{ID: "ap_1", RequesterID: "alice", Status: StatusPending}
	require.NoError(t, store.Save(ctx, req))

	t.Run("Load returns a copy", func(t *testing.T) {
		loaded, err := store.Load(ctx, "ap_1")
		require.NoError(t, err)
		loaded.Status = StatusApproved
		again, _ := store.Load(ctx, "ap_1")
		assert.Equal(t, StatusPending, again.Status)
	})

	t.Run("Load not found", func(t *testing.T) {
		_, err := store.Load(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Resolve(ctx, "nonexistent", StatusApproved, "", "", req.CreatedAt)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List filters", func(t *testing.T) {
		results, err := store.List(ctx, "alice", StatusPending)
		require.NoError(t, err)
		assert.Len(t, results, 1)

		results, err = store.List(ctx, "bob", "")
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
