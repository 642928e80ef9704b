package permission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleOracle_CanContactAgent(t *testing.T) {
	o := NewRuleOracle(nil, nil)
	require.NoError(t, o.AddRule(Rule{ID: "deny-finance", TargetPattern: "finance-*", Decision: DecisionDeny, Priority: 10}))
	require.NoError(t, o.AddRule(Rule{ID: "cfo-approval", CallerPattern: "intern-*", TargetPattern: "cfo", Decision: DecisionRequireApproval, Priority: 20}))
	require.NoError(t, o.AddRule(Rule{ID: "ops-finance", CallerPattern: "ops", TargetPattern: "finance-*", Decision: DecisionAllow, Priority: 30}))

	tests := []struct {
		name     string
		caller   string
		target   string
		allowed  bool
		approval bool
		rule     string
	}{
		{"default allow", "alice", "bob", true, false, ""},
		{"deny by target prefix", "alice", "finance-bot", false, false, "deny-finance"},
		{"higher priority allow wins", "ops", "finance-bot", true, false, "ops-finance"},
		{"require approval", "intern-7", "cfo", true, true, "cfo-approval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := o.CanContactAgent(context.Background(), tt.caller, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.approval, d.RequiresApproval)
			assert.Equal(t, tt.rule, d.RuleID)
		})
	}
}

func TestRuleOracle_DefaultDecision(t *testing.T) {
	o := NewRuleOracle(nil, nil)
	o.SetDefault(DecisionDeny)
	d, err := o.CanContactAgent(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRuleOracle_RuleManagement(t *testing.T) {
	o := NewRuleOracle(nil, nil)
	assert.Error(t, o.AddRule(Rule{Decision: DecisionAllow}))
	assert.Error(t, o.AddRule(Rule{ID: "x", Decision: "maybe"}))

	require.NoError(t, o.AddRule(Rule{ID: "low", Decision: DecisionAllow, Priority: 1}))
	require.NoError(t, o.AddRule(Rule{ID: "high", Decision: DecisionDeny, Priority: 5}))

	rules := o.ListRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].ID)
	assert.Equal(t, "*", rules[0].CallerPattern)

	require.NoError(t, o.RemoveRule("high"))
	assert.Error(t, o.RemoveRule("high"))
	assert.Len(t, o.ListRules(), 1)
}

func TestRuleOracle_CanAccessChannel(t *testing.T) {
	members := func(ctx context.Context, channelID string) ([]string, error) {
		if channelID == "ops" {
			return []string{"alice", "bob"}, nil
		}
		return nil, errors.New("channel not found")
	}
	o := NewRuleOracle(members, nil)

	ok, err := o.CanAccessChannel(context.Background(), "alice", "ops")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.CanAccessChannel(context.Background(), "carol", "ops")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = o.CanAccessChannel(context.Background(), "alice", "missing")
	assert.Error(t, err)

	ok, err = NewRuleOracle(nil, nil).CanAccessChannel(context.Background(), "alice", "ops")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("*", "anything"))
	assert.True(t, matchPattern("bot-*", "bot-1"))
	assert.True(t, matchPattern("*-bot", "qa-bot"))
	assert.True(t, matchPattern("exact", "exact"))
	assert.False(t, matchPattern("bot-*", "human"))
	assert.False(t, matchPattern("", "x"))
}

func TestRuleOracle_ReplaceRules(t *testing.T) {
	o := NewRuleOracle(nil, nil)
	require.NoError(t, o.AddRule(Rule{ID: "old", TargetPattern: "bob", Decision: DecisionDeny}))

	err := o.ReplaceRules([]Rule{
		{ID: "new", CallerPattern: "alice", Decision: DecisionRequireApproval},
		{ID: "broken", Decision: "sometimes"},
	})
	require.Error(t, err)
	assert.Equal(t, "old", o.ListRules()[0].ID)

	require.NoError(t, o.ReplaceRules([]Rule{{ID: "new", CallerPattern: "alice", Decision: DecisionRequireApproval}}))
	rules := o.ListRules()
	require.Len(t, rules, 1)
	assert.Equal(t, "*", rules[0].TargetPattern)

	d, err := o.CanContactAgent(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)

	d, err = o.CanContactAgent(context.Background(), "carol", "bob")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.RuleID)
}
