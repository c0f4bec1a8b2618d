// Package scheduler implements the Tool Scheduler: given a batch of tool
// calls for one turn, partitions them into a parallel subset and a serial
// subset, dispatches each through classification, hooks, approval,
// validation and a timeout-wrapped Execute, and returns every result in
// original batch order. The parallel subset runs concurrently via an
// errgroup; the serial subset runs in original order, optionally routed
// through a named Lane to order calls sharing a tool or backend.
package scheduler

import (
	"context"
	"fmt"
	"path"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentforge/core/internal/approval"
	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/classify"
	"github.com/agentforge/core/internal/lanes"
	"github.com/agentforge/core/internal/streaming"
	"github.com/agentforge/core/internal/tools"
	"github.com/agentforge/core/pkg/protocol"
)

// Call is one tool invocation requested by the LLM for this turn.
type Call struct {
	ID    string
	Name  string
	Input map[string]any
}

// CallResult pairs a Call's id back with its Result, preserving the
// batch's original order regardless of dispatch order.
type CallResult struct {
	ID     string
	Name   string
	Result *tools.Result
	Err    error
}

// DefaultToolTimeout bounds a single tool execution absent a more
// specific per-call override.
const DefaultToolTimeout = 2 * time.Minute

// Scheduler wires the registry, hook chain, approval manager, lane
// manager and streaming handler together to run a batch of Calls.
type Scheduler struct {
	Registry  *tools.Registry
	Hooks     *tools.Chain
	Approvals *approval.Manager
	Lanes     *lanes.Manager
	Streaming *streaming.Handler
	Publisher bus.EventPublisher

	ToolTimeout time.Duration
	SessionID   string
	RunID       string
}

// New constructs a Scheduler from its collaborators, defaulting
// ToolTimeout to DefaultToolTimeout.
func New(registry *tools.Registry, hooks *tools.Chain, approvals *approval.Manager, laneMgr *lanes.Manager, handler *streaming.Handler, publisher bus.EventPublisher) *Scheduler {
	return &Scheduler{
		Registry:    registry,
		Hooks:       hooks,
		Approvals:   approvals,
		Lanes:       laneMgr,
		Streaming:   handler,
		Publisher:   publisher,
		ToolTimeout: DefaultToolTimeout,
	}
}

// Run partitions batch into P (tool.Parallelizable() != false) and S (the
// rest), preserving original order indices; executes P concurrently via
// errgroup, then S sequentially in original order; and returns results in
// the original batch order.
func (s *Scheduler) Run(ctx context.Context, batch []Call) ([]CallResult, error) {
	results := make([]CallResult, len(batch))

	var parallelIdx, serialIdx []int
	for i, call := range batch {
		tool, ok := s.Registry.Get(call.Name)
		if ok && tool.Parallelizable() {
			parallelIdx = append(parallelIdx, i)
		} else {
			serialIdx = append(serialIdx, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range parallelIdx {
		idx := idx
		call := batch[idx]
		g.Go(func() error {
			results[idx] = s.dispatch(gctx, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, idx := range serialIdx {
		call := batch[idx]
		results[idx] = s.dispatch(ctx, call)
	}

	return results, nil
}

// dispatch runs one call through the full pipeline: classification →
// before hooks → approval → validation → timeout-wrapped Execute →
// after hooks → event emission.
func (s *Scheduler) dispatch(ctx context.Context, call Call) CallResult {
	tool, ok := s.Registry.Get(call.Name)
	if !ok {
		err := fmt.Errorf("scheduler: unknown or disabled tool %q", call.Name)
		return CallResult{ID: call.ID, Name: call.Name, Result: tools.ErrorResult(err.Error()), Err: err}
	}

	classification := classify.Classify(call.Name, tool.Category(), call.Input)

	args := call.Input
	if s.Hooks != nil {
		before := s.Hooks.ExecuteBefore(ctx, tools.BeforeContext{
			ToolName:  call.Name,
			Args:      args,
			SessionID: s.SessionID,
			RunID:     s.RunID,
		})
		if before.ModifiedArgs != nil {
			args = before.ModifiedArgs
		}
		if !before.Proceed {
			r := tools.ErrorResult("blocked by hook: " + before.BlockReason)
			s.emitDenied(call, classification, before.BlockReason)
			return CallResult{ID: call.ID, Name: call.Name, Result: r}
		}
		if before.OverrideResult != nil {
			return CallResult{ID: call.ID, Name: call.Name, Result: before.OverrideResult}
		}
	}

	if s.Approvals != nil {
		resp, err := s.Approvals.Evaluate(ctx, call.Name, args, classification, s.SessionID)
		if err != nil {
			return CallResult{ID: call.ID, Name: call.Name, Result: tools.ErrorResult(err.Error()), Err: err}
		}
		if !resp.Approved {
			s.emitDenied(call, classification, resp.Reason)
			return CallResult{ID: call.ID, Name: call.Name, Result: tools.ErrorResult("approval denied: " + resp.Reason)}
		}
	}

	if validator, err := tools.NewValidator(tool.Parameters()); err == nil {
		if verr := validator.Validate(args); verr != nil {
			r := tools.ErrorResult("invalid tool input: " + verr.Error())
			return CallResult{ID: call.ID, Name: call.Name, Result: r}
		}
	}

	args = normalizePathArgs(args)

	result, execErr := s.execute(ctx, tool, call, args)

	if s.Hooks != nil {
		after := s.Hooks.ExecuteAfter(ctx, tools.AfterContext{
			ToolName: call.Name,
			Args:     args,
			Result:   result,
			IsError:  result.IsError,
		})
		if after.ModifiedResult != nil {
			result = after.ModifiedResult
		}
	}

	return CallResult{ID: call.ID, Name: call.Name, Result: result, Err: execErr}
}

func (s *Scheduler) execute(ctx context.Context, tool tools.Tool, call Call, args map[string]any) (*tools.Result, error) {
	cancel := make(chan struct{})

	runFn := func(execCtx context.Context) (any, error) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-execCtx.Done():
				close(cancel)
			case <-stop:
			}
		}()

		opts := tools.ExecOptions{CancelToken: cancel, SessionID: s.SessionID, RunID: s.RunID, ToolCallID: call.ID}

		if s.Streaming != nil {
			s.Streaming.OnToolStart(call.ID, call.Name)
			defer s.Streaming.OnToolEnd(call.ID)
		}
		s.emitEvent(call, protocol.ToolEventCall, nil)
		result, err := tool.Execute(execCtx, args, opts)
		s.emitEvent(call, protocol.ToolEventResult, result)
		return result, err
	}

	timeout := s.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}

	if s.Lanes != nil && !tool.Parallelizable() {
		laneName := tool.Lane()
		if laneName == "" {
			laneName = "tool:" + call.Name
		}
		raw, err := s.Lanes.Enqueue(ctx, laneName, func(laneCtx context.Context) (any, error) {
			return runFn(laneCtx)
		}, lanes.EnqueueOptions{Timeout: timeout})
		return coerceResult(raw, err)
	}

	laneCtx, laneCancel := context.WithTimeout(ctx, timeout)
	defer laneCancel()
	raw, err := runFn(laneCtx)
	return coerceResult(raw, err)
}

func coerceResult(raw any, err error) (*tools.Result, error) {
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err), err
	}
	if r, ok := raw.(*tools.Result); ok {
		return r, nil
	}
	return tools.NewResult(fmt.Sprintf("%v", raw)), nil
}

func (s *Scheduler) emitEvent(call Call, eventType string, result *tools.Result) {
	if s.Publisher == nil {
		return
	}
	s.Publisher.Emit(bus.Event{Name: protocol.EventTool, Payload: map[string]any{
		"type":         eventType,
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"result":       result,
	}})
}

func (s *Scheduler) emitDenied(call Call, c classify.Classification, reason string) {
	if s.Publisher == nil {
		return
	}
	s.Publisher.Emit(bus.Event{Name: protocol.EventTool, Payload: map[string]any{
		"type":         protocol.ToolEventDenied,
		"tool_call_id": call.ID,
		"tool_name":    call.Name,
		"risk_level":   c.RiskLevel.String(),
		"reason":       reason,
	}})
}

// normalizePathArgs rewrites any string value under a path-like key (see
// looksLikePathKey) with path.Clean, collapsing "." and "x/.." segments
// and leaving other argument shapes untouched. It does not confine paths
// to a root: leading "../" segments that climb above the start are kept.
func normalizePathArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && looksLikePathKey(k) {
			out[k] = cleanPath(s)
			continue
		}
		out[k] = v
	}
	return out
}

func looksLikePathKey(key string) bool {
	switch key {
	case "path", "file", "filepath", "dir", "directory", "filename":
		return true
	default:
		return false
	}
}

func cleanPath(p string) string {
	return path.Clean(p)
}
