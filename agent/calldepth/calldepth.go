// Package calldepth tracks how many synchronous agent-to-agent asks are
// nested on one logical call chain.
//
// A chain starts at one top-level request (an inbound message and the full
// reasoning turn it triggers). The counter travels inside the
// context.Context handed down the chain, so every nested ask sees it while
// unrelated chains running in the same process each carry their own.
package calldepth

import (
	"context"
	"sync/atomic"
)

// DefaultMaxDepth is the deepest nesting of synchronous asks allowed on one chain.
const DefaultMaxDepth = 3

type contextKey struct{}

// Tracker is the depth counter for a single call chain.
//
// Increment and Decrement are atomic because an ask that timed out may keep
// running in the background and release its own nested increments after the
// caller has moved on.
type Tracker struct {
	depth atomic.Int32
}

// CurrentDepth returns the number of asks currently in flight on the chain.
func (t *Tracker) CurrentDepth() int {
	return int(t.depth.Load())
}

// Increment records entry into a synchronous ask.
func (t *Tracker) Increment() int {
	return int(t.depth.Add(1))
}

// Decrement records exit from a synchronous ask. It never drops below zero.
func (t *Tracker) Decrement() int {
	for {
		cur := t.depth.Load()
		if cur <= 0 {
			return 0
		}
		if t.depth.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

// Enter increments the counter and returns the matching release function.
// The release is safe to call more than once; only the first call
// decrements.
func (t *Tracker) Enter() (release func()) {
	t.Increment()
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			t.Decrement()
		}
	}
}

// NewContext starts a new call chain rooted at ctx. Any tracker already
// present in ctx is shadowed.
func NewContext(ctx context.Context) (context.Context, *Tracker) {
	t := &Tracker{}
	return context.WithValue(ctx, contextKey{}, t), t
}

// NewContextAt starts a new call chain that already has depth asks in
// flight. It resumes a chain whose earlier hops ran outside this process.
func NewContextAt(ctx context.Context, depth int) (context.Context, *Tracker) {
	ctx, t := NewContext(ctx)
	if depth > 0 {
		t.depth.Store(int32(depth))
	}
	return ctx, t
}

// FromContext returns the tracker of the chain ctx belongs to.
func FromContext(ctx context.Context) (*Tracker, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tracker)
	return t, ok && t != nil
}

// Ensure returns ctx unchanged when it already belongs to a chain, or a new
// chain rooted at ctx otherwise.
func Ensure(ctx context.Context) (context.Context, *Tracker) {
	if t, ok := FromContext(ctx); ok {
		return ctx, t
	}
	return NewContext(ctx)
}
