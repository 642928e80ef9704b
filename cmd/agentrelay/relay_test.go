package main

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/agent/permission"
	"github.com/BaSui01/agentrelay/agent/reasoning"
	"github.com/BaSui01/agentrelay/agent/roster"
	"github.com/BaSui01/agentrelay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agents = []config.AgentSeed{
		{ID: "alice", Name: "Alice", Kind: "agent", WebhookURL: "http://alice.internal/hook"},
		{ID: "bob", Kind: "agent"},
		{ID: "carol", Kind: "human"},
	}
	cfg.Permissions = config.PermissionsConfig{
		Default: permission.DecisionAllow,
		Rules: []permission.Rule{
			{ID: "no-bob", CallerPattern: "alice", TargetPattern: "bob", Decision: permission.DecisionDeny},
		},
	}
	return cfg
}

func TestBuildRelay_Memory(t *testing.T) {
	ctx := context.Background()
	r, err := buildRelay(ctx, memoryConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.Ping(ctx))
	assert.Nil(t, r.pool)
	assert.Nil(t, r.redis)

	alice, err := r.stores.Agents.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, "http://alice.internal/hook", alice.Metadata[reasoning.MetadataWebhookURL])
	assert.Equal(t, roster.StatusIdle, alice.Status)

	carol, err := r.stores.Agents.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, roster.KindHuman, carol.Kind)

	d, err := r.oracle.CanContactAgent(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = r.oracle.CanContactAgent(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestBuildRelay_Errors(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Type = "etcd"
	_, err := buildRelay(context.Background(), cfg, nil, zap.NewNop())
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.Permissions.Rules = append(cfg.Permissions.Rules, permission.Rule{ID: "", Decision: permission.DecisionDeny})
	_, err = buildRelay(context.Background(), cfg, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestRelay_CloseIsIdempotent(t *testing.T) {
	r, err := buildRelay(context.Background(), memoryConfig(), nil, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}

func TestSeedAgents_RefreshKeepsRuntimeState(t *testing.T) {
	ctx := context.Background()
	store := roster.NewMemoryStore()

	until := time.Now().Add(time.Hour)
	existing := &roster.Agent{
		ID:             "bob",
		Name:           "old",
		Kind:           roster.KindAgent,
		Status:         roster.StatusWorking,
		SleepingUntil:  &until,
		SleepingReason: "batch",
	}
	existing.Normalize(time.Now())
	existing.Status = roster.StatusWorking
	require.NoError(t, store.Save(ctx, existing))

	err := seedAgents(ctx, store, []config.AgentSeed{
		{ID: "bob", Name: "Bob", Metadata: map[string]string{"team": "ops"}},
	}, zap.NewNop())
	require.NoError(t, err)

	got, err := store.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", got.Name)
	assert.Equal(t, "ops", got.Metadata["team"])
	assert.Equal(t, roster.KindAgent, got.Kind)
	assert.Equal(t, roster.StatusWorking, got.Status)
	require.NotNil(t, got.SleepingUntil)
	assert.Equal(t, "batch", got.SleepingReason)
}

func TestSeedAgents_DoesNotAliasConfigMetadata(t *testing.T) {
	ctx := context.Background()
	store := roster.NewMemoryStore()
	meta := map[string]string{"team": "ops"}

	require.NoError(t, seedAgents(ctx, store, []config.AgentSeed{
		{ID: "alice", WebhookURL: "http://alice/hook", Metadata: meta},
	}, zap.NewNop()))

	_, ok := meta[reasoning.MetadataWebhookURL]
	assert.False(t, ok)
}

func TestApplyPermissions(t *testing.T) {
	ctx := context.Background()
	oracle := permission.NewRuleOracle(nil, nil)

	require.NoError(t, applyPermissions(oracle, config.PermissionsConfig{
		Default: permission.DecisionDeny,
		Rules: []permission.Rule{
			{ID: "ops", CallerPattern: "*", TargetPattern: "ops", Decision: permission.DecisionAllow},
		},
	}))
	d, err := oracle.CanContactAgent(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	d, err = oracle.CanContactAgent(ctx, "alice", "ops")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 非法规则整体拒绝, 旧规则保留
	err = applyPermissions(oracle, config.PermissionsConfig{
		Rules: []permission.Rule{{ID: "bad", Decision: "maybe"}},
	})
	assert.Error(t, err)
	assert.Len(t, oracle.ListRules(), 1)

	// empty default leaves the current default in place
	require.NoError(t, applyPermissions(oracle, config.PermissionsConfig{}))
	d, err = oracle.CanContactAgent(ctx, "alice", "ops")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
