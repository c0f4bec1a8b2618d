package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// BeforeContext carries everything a before-hook needs to inspect or
// modify a pending tool call.
type BeforeContext struct {
	ToolName string
	Args     map[string]any
	SessionID string
	RunID     string
}

// BeforeResult is a before-hook's verdict. The first hook returning
// Proceed=false or a non-nil OverrideResult short-circuits the chain; any
// hook may set ModifiedArgs, which later hooks observe in place of the
// original Args.
type BeforeResult struct {
	Proceed        bool
	ModifiedArgs   map[string]any
	BlockReason    string
	OverrideResult *Result
}

// AfterContext carries a completed tool call's outcome to after-hooks.
type AfterContext struct {
	ToolName string
	Args     map[string]any
	Result   *Result
	IsError  bool
	Duration time.Duration
}

// AfterResult lets an after-hook amend the result or attach metadata that
// gets merged across every hook in the chain.
type AfterResult struct {
	ModifiedResult *Result
	Metadata       map[string]any
}

// Hook is registered on a chain with a Priority; higher priorities run
// first. Either method may be a no-op (return a permissive zero value)
// if a hook only cares about one side.
type Hook interface {
	Name() string
	Priority() int
	Before(ctx context.Context, bctx BeforeContext) BeforeResult
	After(ctx context.Context, actx AfterContext) AfterResult
}

// Chain is a priority-sorted, ordered list of Hooks.
type Chain struct {
	mu    sync.RWMutex
	hooks []Hook
}

// NewChain constructs an empty hook chain.
func NewChain() *Chain { return &Chain{} }

// Add registers hook and keeps the chain sorted by descending priority;
// hooks with equal priority preserve registration order (stable sort).
func (c *Chain) Add(hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
	sort.SliceStable(c.hooks, func(i, j int) bool {
		return c.hooks[i].Priority() > c.hooks[j].Priority()
	})
}

// Remove drops the hook with the given name, if present.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, h := range c.hooks {
		if h.Name() == name {
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			return
		}
	}
}

func (c *Chain) snapshot() []Hook {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Hook(nil), c.hooks...)
}

// ExecuteBefore runs every before-hook in priority order, feeding each
// hook's ModifiedArgs to the next, and stopping at the first hook that
// blocks or overrides. A hook that panics is recovered, logged, and
// treated as Proceed=true, so the rest of the chain still runs.
func (c *Chain) ExecuteBefore(ctx context.Context, bctx BeforeContext) BeforeResult {
	args := bctx.Args
	for _, h := range c.snapshot() {
		bctx.Args = args
		res := func() (res BeforeResult) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("hook panicked, continuing chain", "hook", h.Name(), "panic", r)
					res = BeforeResult{Proceed: true}
				}
			}()
			return h.Before(ctx, bctx)
		}()

		if res.ModifiedArgs != nil {
			args = res.ModifiedArgs
		}
		if !res.Proceed || res.OverrideResult != nil {
			res.ModifiedArgs = args
			return res
		}
	}
	return BeforeResult{Proceed: true, ModifiedArgs: args}
}

// ExecuteAfter runs every after-hook, composing result modifications
// (last writer wins on ModifiedResult) and merging metadata across all
// hooks. Individual hook panics are caught and logged without aborting
// the rest of the chain.
func (c *Chain) ExecuteAfter(ctx context.Context, actx AfterContext) AfterResult {
	merged := AfterResult{Metadata: map[string]any{}}
	for _, h := range c.snapshot() {
		res := func() (res AfterResult) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("hook panicked, continuing chain", "hook", h.Name(), "panic", r)
					res = AfterResult{}
				}
			}()
			return h.After(ctx, actx)
		}()

		if res.ModifiedResult != nil {
			merged.ModifiedResult = res.ModifiedResult
			actx.Result = res.ModifiedResult
		}
		for k, v := range res.Metadata {
			merged.Metadata[k] = v
		}
	}
	return merged
}
