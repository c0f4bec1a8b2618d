package tools

import (
	"context"
	"testing"
)

type stubTool struct {
	BaseTool
}

func (s stubTool) Execute(ctx context.Context, input map[string]any, opts ExecOptions) (*Result, error) {
	return NewResult("ok"), nil
}

func newStub(name string) Tool {
	return stubTool{BaseTool{
		ToolName:        name,
		ToolDescription: "a stub tool",
		ToolCategory:    CategoryReadOnly,
		ToolParallel:    true,
		ToolParameters: []Parameter{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "number"},
		},
	}}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("search"), SourceBuiltin)

	got, ok := r.Get("search")
	if !ok {
		t.Fatal("expected tool to be registered")
	}
	if got.Name() != "search" {
		t.Fatalf("unexpected tool: %v", got.Name())
	}
}

func TestRegistryUnregisterRestoresPriorState(t *testing.T) {
	r := NewRegistry()
	before := r.Stats()

	r.Register(newStub("search"), SourceBuiltin)
	r.Unregister("search")

	after := r.Stats()
	if before.TotalTools != after.TotalTools {
		t.Fatalf("expected registry to return to prior state, before=%d after=%d", before.TotalTools, after.TotalTools)
	}
}

func TestRegistryGetDisabledReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	r.Register(newStub("search"), SourceBuiltin)
	r.SetEnabled("search", false)

	if _, ok := r.Get("search"); ok {
		t.Fatal("expected disabled tool to be unavailable via Get")
	}
}

func TestToAnthropicAndOpenAIFormatsAgree(t *testing.T) {
	tool := newStub("search")

	a := ToAnthropicFormat(tool)
	o := ToOpenAIFormat(tool)

	if a.Name != o.Function.Name {
		t.Fatal("expected names to match across dialects")
	}
	if len(a.InputSchema) != len(o.Function.Parameters) {
		t.Fatal("expected schemas to carry the same number of top-level keys")
	}
}

func TestValidatorRejectsMissingRequired(t *testing.T) {
	v, err := NewValidator(newStub("search").Parameters())
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if err := v.Validate(map[string]any{"limit": 5}); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
	if err := v.Validate(map[string]any{"query": "hi"}); err != nil {
		t.Fatalf("expected valid input to pass, got %v", err)
	}
}

func newMalformedStub(name string) Tool {
	return stubTool{BaseTool{
		ToolName:        name,
		ToolDescription: "a stub tool with a broken schema",
		ToolCategory:    CategoryReadOnly,
		ToolParallel:    true,
		ToolParameters: []Parameter{
			// "required" must list unique names; duplicating one here
			// trips the schema compiler's meta-schema validation, the
			// same malformed-schema shape Register is meant to catch.
			{Name: "query", Type: "string", Required: true},
			{Name: "query", Type: "string", Required: true},
		},
	}}
}

func TestRegistryRegisterRejectsMalformedSchema(t *testing.T) {
	r := NewRegistry()
	ok := r.Register(newMalformedStub("broken"), SourceBuiltin)
	if ok {
		t.Fatal("expected Register to reject a tool with a malformed parameter schema")
	}
	if _, found := r.Get("broken"); found {
		t.Fatal("expected rejected tool to not be retrievable")
	}
}

func TestRegistryRegisterAcceptsValidSchema(t *testing.T) {
	r := NewRegistry()
	if ok := r.Register(newStub("search"), SourceBuiltin); !ok {
		t.Fatal("expected Register to accept a well-formed parameter schema")
	}
}

type recordingHook struct {
	name     string
	priority int
	calls    *[]string
}

func (h recordingHook) Name() string   { return h.name }
func (h recordingHook) Priority() int  { return h.priority }
func (h recordingHook) Before(ctx context.Context, bctx BeforeContext) BeforeResult {
	*h.calls = append(*h.calls, h.name)
	return BeforeResult{Proceed: true, ModifiedArgs: bctx.Args}
}
func (h recordingHook) After(ctx context.Context, actx AfterContext) AfterResult {
	return AfterResult{}
}

func TestChainRunsInPriorityOrder(t *testing.T) {
	c := NewChain()
	var calls []string
	c.Add(recordingHook{name: "low", priority: 1, calls: &calls})
	c.Add(recordingHook{name: "high", priority: 10, calls: &calls})

	c.ExecuteBefore(context.Background(), BeforeContext{ToolName: "search", Args: map[string]any{}})

	if len(calls) != 2 || calls[0] != "high" || calls[1] != "low" {
		t.Fatalf("expected high-priority hook first, got %v", calls)
	}
}

type blockingHook struct{}

func (blockingHook) Name() string  { return "blocker" }
func (blockingHook) Priority() int { return 5 }
func (blockingHook) Before(ctx context.Context, bctx BeforeContext) BeforeResult {
	return BeforeResult{Proceed: false, BlockReason: "blocked"}
}
func (blockingHook) After(ctx context.Context, actx AfterContext) AfterResult { return AfterResult{} }

func TestChainShortCircuitsOnBlock(t *testing.T) {
	c := NewChain()
	var calls []string
	c.Add(blockingHook{})
	c.Add(recordingHook{name: "never", priority: -5, calls: &calls})

	res := c.ExecuteBefore(context.Background(), BeforeContext{ToolName: "search", Args: map[string]any{}})
	if res.Proceed {
		t.Fatal("expected chain to block")
	}
	if len(calls) != 0 {
		t.Fatal("expected the hook after the blocker to never run")
	}
}
