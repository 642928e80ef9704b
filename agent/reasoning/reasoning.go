// Package reasoning adapts an agent's reasoning loop to the relay. The relay
// only needs one call: hand a message to an agent and get its reply.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/agentrelay/agent/roster"
)

// ErrNoEntrypoint is returned when an agent has no reasoning entrypoint.
var ErrNoEntrypoint = errors.New("no reasoning entrypoint for agent")

// Entrypoint runs one reasoning turn for target on a message posted in
// channelID and returns the reply text. Implementations must honor ctx.
type Entrypoint interface {
	Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error)
}

// Func adapts a function to Entrypoint.
type Func func(ctx context.Context, target *roster.Agent, channelID, message string) (string, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
	return f(ctx, target, channelID, message)
}

// Registry routes invocations to a per-agent entrypoint, falling back to a
// default when one is set.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Entrypoint
	fallback Entrypoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Entrypoint)}
}

// Register sets the entrypoint for agentID.
func (r *Registry) Register(agentID string, ep Entrypoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = ep
}

// SetDefault sets the entrypoint used for agents without their own.
func (r *Registry) SetDefault(ep Entrypoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ep
}

// Invoke dispatches to the target's entrypoint.
func (r *Registry) Invoke(ctx context.Context, target *roster.Agent, channelID, message string) (string, error) {
	r.mu.RLock()
	ep, ok := r.agents[target.ID]
	if !ok {
		ep = r.fallback
	}
	r.mu.RUnlock()

	if ep == nil {
		return "", fmt.Errorf("%w: %s", ErrNoEntrypoint, target.ID)
	}
	return ep.Invoke(ctx, target, channelID, message)
}
