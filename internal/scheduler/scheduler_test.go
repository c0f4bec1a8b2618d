package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/core/internal/approval"
	"github.com/agentforge/core/internal/bus"
	"github.com/agentforge/core/internal/config"
	"github.com/agentforge/core/internal/lanes"
	"github.com/agentforge/core/internal/streaming"
	"github.com/agentforge/core/internal/tools"
)

type orderedTool struct {
	tools.BaseTool
	onRun func()
	sleep time.Duration
}

func (t *orderedTool) Execute(ctx context.Context, input map[string]any, opts tools.ExecOptions) (*tools.Result, error) {
	if t.sleep > 0 {
		time.Sleep(t.sleep)
	}
	if t.onRun != nil {
		t.onRun()
	}
	return tools.NewResult("done"), nil
}

func newOrderedTool(name string, parallel bool, sleep time.Duration, onRun func()) *orderedTool {
	return &orderedTool{
		BaseTool: tools.BaseTool{ToolName: name, ToolCategory: tools.CategoryReadOnly, ToolParallel: parallel},
		onRun:    onRun,
		sleep:    sleep,
	}
}

func newTestScheduler() *Scheduler {
	reg := tools.NewRegistry()
	hooks := tools.NewChain()
	approvals := approval.NewManager(nil, approval.TrustYolo)
	laneMgr := lanes.NewManager(config.LanesConfig{})
	handler := streaming.NewHandler(bus.New())
	return New(reg, hooks, approvals, laneMgr, handler, bus.New())
}

func TestS1ParallelVsSerialPartitionOrdering(t *testing.T) {
	s := newTestScheduler()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	screenshot := newOrderedTool("screenshot", true, 20*time.Millisecond, record("screenshot"))
	findText := newOrderedTool("find_text", true, 10*time.Millisecond, record("find_text"))
	click := newOrderedTool("click", false, 0, record("click"))

	s.Registry.Register(screenshot, tools.SourceBuiltin)
	s.Registry.Register(findText, tools.SourceBuiltin)
	s.Registry.Register(click, tools.SourceBuiltin)

	batch := []Call{
		{ID: "1", Name: "screenshot"},
		{ID: "2", Name: "find_text"},
		{ID: "3", Name: "click"},
	}

	results, err := s.Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.ID != batch[i].ID {
			t.Fatalf("expected results in original batch order, got id %s at index %d", r.ID, i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if order[len(order)-1] != "click" {
		t.Fatalf("expected click to run last, got order %v", order)
	}
}

func TestUnknownToolReturnsErrorResult(t *testing.T) {
	s := newTestScheduler()
	results, err := s.Run(context.Background(), []Call{{ID: "1", Name: "nonexistent"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
}

func TestApprovalDenialPreventsExecute(t *testing.T) {
	s := newTestScheduler()
	s.Approvals = approval.NewManager(&denyAllChannel{}, approval.TrustStrict).WithTimeout(50 * time.Millisecond)

	ran := false
	dangerous := newOrderedTool("exec", true, 0, func() { ran = true })
	dangerous.ToolCategory = tools.CategorySystem
	s.Registry.Register(dangerous, tools.SourceBuiltin)

	results, err := s.Run(context.Background(), []Call{{ID: "1", Name: "exec", Input: map[string]any{"command": "rm -rf /data"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ran {
		t.Fatal("denied call must not execute the underlying tool")
	}
	if !results[0].Result.IsError {
		t.Fatal("expected a synthetic failure result for a denied call")
	}
}

type denyAllChannel struct{}

func (denyAllChannel) Present(approval.Request) {}

// cancelAwareTool blocks purely on opts.CancelToken, the way a
// well-behaved tool cooperatively aborts — it never looks at ctx.Done()
// directly, so observing a close here proves the scheduler actually
// wires the token to real cancellation rather than a never-fired
// channel.
type cancelAwareTool struct {
	tools.BaseTool
	observedCancel chan struct{}
}

func (t *cancelAwareTool) Execute(ctx context.Context, input map[string]any, opts tools.ExecOptions) (*tools.Result, error) {
	select {
	case <-opts.CancelToken:
		close(t.observedCancel)
		return nil, context.Canceled
	case <-time.After(2 * time.Second):
		return tools.NewResult("too slow"), nil
	}
}

func TestExecuteClosesCancelTokenOnContextCancellation(t *testing.T) {
	s := newTestScheduler()
	tool := &cancelAwareTool{
		BaseTool:       tools.BaseTool{ToolName: "waiter", ToolCategory: tools.CategoryReadOnly, ToolParallel: true},
		observedCancel: make(chan struct{}),
	}
	s.Registry.Register(tool, tools.SourceBuiltin)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	results, _ := s.Run(ctx, []Call{{ID: "1", Name: "waiter"}})

	select {
	case <-tool.observedCancel:
	case <-time.After(3 * time.Second):
		t.Fatal("tool never observed opts.CancelToken closing")
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected the cancelled call to report an error, got %+v", results)
	}
}
