// =============================================================================
// 📦 测试数据工厂 - roster 成员
// =============================================================================
// 提供预定义的 Agent 记录，用于测试
// =============================================================================
package fixtures

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/agent/roster"
)

// AgentOption 修改构造中的 Agent
type AgentOption func(*roster.Agent)

// NewAgent 创建一个空闲的自治 Agent，名称取 id 首字母大写
func NewAgent(id string, opts ...AgentOption) *roster.Agent {
	a := &roster.Agent{
		ID:     id,
		Name:   displayName(id),
		Kind:   roster.KindAgent,
		Status: roster.StatusIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewHuman 创建一个人类成员
func NewHuman(id string, opts ...AgentOption) *roster.Agent {
	return NewAgent(id, append([]AgentOption{WithKind(roster.KindHuman)}, opts...)...)
}

// WithKind sets the kind.
func WithKind(kind roster.Kind) AgentOption {
	return func(a *roster.Agent) { a.Kind = kind }
}

// WithStatus sets the status.
func WithStatus(status roster.Status) AgentOption {
	return func(a *roster.Agent) { a.Status = status }
}

// Working marks the agent busy.
func Working() AgentOption { return WithStatus(roster.StatusWorking) }

// Offline marks the agent offline.
func Offline() AgentOption { return WithStatus(roster.StatusOffline) }

// SleepingUntil puts the agent to sleep until t.
func SleepingUntil(t time.Time, reason string) AgentOption {
	return func(a *roster.Agent) {
		until := t
		a.SleepingUntil = &until
		a.SleepingReason = reason
	}
}

// MustWaitForApproval 要求该成员发起的请求先经人工审批
func MustWaitForApproval() AgentOption {
	return func(a *roster.Agent) { a.MustWaitForApproval = true }
}

// Awaiting records outstanding delegations.
func Awaiting(taskIDs ...string) AgentOption {
	return func(a *roster.Agent) {
		for _, id := range taskIDs {
			a.AddAwaiting(id)
		}
	}
}

// WithMetadata sets one metadata entry.
func WithMetadata(key, value string) AgentOption {
	return func(a *roster.Agent) {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		a.Metadata[key] = value
	}
}

// Pair 返回最常用的两人组合: 忙碌的 alice 与空闲的 bob
func Pair() []*roster.Agent {
	return []*roster.Agent{
		NewAgent("alice", Working()),
		NewAgent("bob"),
	}
}

// Team 返回 Pair 加上一个人类成员 hank 和离线的 olive
func Team() []*roster.Agent {
	return append(Pair(),
		NewHuman("hank"),
		NewAgent("olive", Offline()),
	)
}

// SeedRoster 保存 agents 到 store 并返回 store
func SeedRoster[S roster.Store](t testing.TB, store S, agents ...*roster.Agent) S {
	t.Helper()
	for _, a := range agents {
		if err := store.Save(context.Background(), a); err != nil {
			t.Fatalf("seed agent %s: %v", a.ID, err)
		}
	}
	return store
}

func displayName(id string) string {
	if id == "" {
		return ""
	}
	b := []byte(id)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
