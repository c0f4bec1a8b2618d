// Package providers defines the LLM Provider Adapter interface the Agent
// Loop drives, and concrete adapters over real provider SDKs
// (anthropic-sdk-go, openai-go, google.golang.org/genai) implementing a
// shared request/response shape across vendors.
package providers

import "context"

// Provider is the interface every LLM backend implements.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
	DefaultModel() string
	Name() string
}

// ThinkingCapable is implemented by providers that support an extended
// "thinking"/reasoning mode, letting callers probe for the capability
// without a type switch per provider.
type ThinkingCapable interface {
	SupportsThinking() bool
}

// Option keys recognized in ChatRequest.Options.
const (
	OptThinkingLevel = "thinking_level"
)

// ChatRequest is the input to Chat/ChatStream.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDefinition
	Model    string
	Options  map[string]any
}

// ChatResponse is an LLM call's result.
type ChatResponse struct {
	Content             string
	ToolCalls           []ToolCall
	FinishReason        string // "stop", "tool_calls", "length"
	Usage               Usage
	RawAssistantContent []byte // provider-native content blocks (e.g. Anthropic thinking and tool-use blocks); the Anthropic adapter passes back the text and tool-use ones
}

// StreamChunk is one fragment of a streaming response.
type StreamChunk struct {
	Content  string
	Thinking string
	Done     bool
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string
	Data     string
}

// Message is one turn of conversation passed to a provider.
type Message struct {
	Role                string
	Content             string
	Images              []ImageContent
	ToolCalls           []ToolCall
	ToolCallID          string // for Role == "tool"
	RawAssistantContent []byte
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes one tool available to the LLM, in the
// provider-agnostic function-calling shape every supported vendor SDK
// accepts a variant of.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage tracks token consumption for one Chat/ChatStream call.
type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	TotalTokens         int
	ThinkingTokens      int
	CacheCreationTokens int
	CacheReadTokens     int
}
