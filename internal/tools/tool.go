package tools

import "context"

// Category buckets a tool for policy and baseline-risk purposes (spec
// §4.8 step 1: "baseline risk derived from the tool's declared
// category").
type Category string

const (
	CategoryReadOnly   Category = "read_only"
	CategoryFilesystem Category = "filesystem"
	CategoryNetwork    Category = "network"
	CategorySystem     Category = "system"
	CategoryMessaging  Category = "messaging"
	CategoryMemory     Category = "memory"
	CategoryAutomation Category = "automation"
)

// ExecOptions is passed to Execute alongside the tool's validated input.
type ExecOptions struct {
	// CancelToken is closed when the enclosing run is cancelled; a
	// well-behaved tool selects on it to abort cooperatively.
	CancelToken <-chan struct{}
	SessionID   string
	RunID       string
	ToolCallID  string
}

// Parameter describes one field of a tool's input schema.
type Parameter struct {
	Name        string
	Type        string // "string", "number", "boolean", "object", "array"
	Description string
	Required    bool
	Enum        []string
	Items       *Parameter // for Type == "array"
}

// Tool is a single callable capability exposed to the LLM.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	// Parallelizable reports whether this tool may run concurrently with
	// other calls in the same batch; false forces serial execution via
	// the tool's Lane.
	Parallelizable() bool
	// Lane names the serial queue this tool's calls are ordered against
	// when Parallelizable() is false; "" makes the scheduler use a lane
	// named "tool:<name>", shared by every call of this tool.
	Lane() string
	Parameters() []Parameter
	Execute(ctx context.Context, input map[string]any, opts ExecOptions) (*Result, error)
}

// BaseTool is an embeddable helper that implements the metadata methods
// of Tool from static fields, favoring small struct-literal tool
// definitions over per-tool boilerplate.
type BaseTool struct {
	ToolName        string
	ToolDescription string
	ToolCategory    Category
	ToolParallel    bool
	ToolLane        string
	ToolParameters  []Parameter
}

func (b BaseTool) Name() string             { return b.ToolName }
func (b BaseTool) Description() string      { return b.ToolDescription }
func (b BaseTool) Category() Category       { return b.ToolCategory }
func (b BaseTool) Parallelizable() bool     { return b.ToolParallel }
func (b BaseTool) Lane() string             { return b.ToolLane }
func (b BaseTool) Parameters() []Parameter  { return b.ToolParameters }
