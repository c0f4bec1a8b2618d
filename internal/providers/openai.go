package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIConfig configures an OpenAIProvider. The same client works against
// any OpenAI-compatible chat completions endpoint (OpenAI itself, Groq,
// OpenRouter, DeepSeek, a self-hosted vLLM instance) by pointing BaseURL at
// a different host; Name only affects how the provider identifies itself
// and a couple of per-vendor quirks (see resolveModel).
type OpenAIConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider implements Provider over the official openai-go client,
// usable against OpenAI itself or any OpenAI-compatible chat completions
// endpoint reachable via BaseURL.
type OpenAIProvider struct {
	client       sdk.Client
	name         string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider constructs a Provider backed by the Chat Completions
// API, defaulting MaxRetries/RetryDelay/DefaultModel/Name when unset.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAIProvider{
		client:       sdk.NewClient(opts...),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// SupportsThinking reports true since the o-series reasoning models accept
// a reasoning_effort parameter; callers targeting a non-reasoning model
// simply get the option ignored by the API.
func (p *OpenAIProvider) SupportsThinking() bool { return true }

// resolveModel falls back to the provider default when req.Model is
// unprefixed and this provider is OpenRouter, whose model IDs require a
// vendor prefix (e.g. "anthropic/claude-sonnet-4-5").
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) buildParams(req ChatRequest) (sdk.ChatCompletionNewParams, error) {
	model := p.resolveModel(req.Model)
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: convertOpenAIMessages(req.Messages),
	}

	if len(req.Tools) > 0 {
		params.Tools = convertOpenAITools(req.Tools)
	}

	extra := map[string]any{}
	if level, _ := req.Options[OptThinkingLevel].(string); level != "" && level != "off" {
		extra["reasoning_effort"] = level
	}
	if len(extra) > 0 {
		params.SetExtraFields(extra)
	}

	return params, nil
}

// Chat issues a single non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var comp *sdk.ChatCompletion
	for attempt := 0; ; attempt++ {
		comp, err = p.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !isRetryableError(err) {
			return nil, wrapOpenAIError(p.name, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}

	return openAICompletionToChatResponse(comp), nil
}

// ChatStream issues a streaming completion, invoking onChunk for every
// content delta, and returns the accumulated response once the stream
// completes.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	toolCalls := map[int64]*ToolCall{}
	toolCallOrder := []int64{}
	rawArgs := map[int64]*strings.Builder{}
	finishReason := "stop"
	var usage Usage

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				usage.PromptTokens = int(chunk.Usage.PromptTokens)
				usage.CompletionTokens = int(chunk.Usage.CompletionTokens)
				usage.TotalTokens = int(chunk.Usage.TotalTokens)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			onChunk(StreamChunk{Content: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if toolCalls[idx] == nil {
				toolCalls[idx] = &ToolCall{ID: tc.ID}
				rawArgs[idx] = &strings.Builder{}
				toolCallOrder = append(toolCallOrder, idx)
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				rawArgs[idx].WriteString(tc.Function.Arguments)
			}
		}

		if chunk.Choices[0].FinishReason != "" {
			finishReason = string(chunk.Choices[0].FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapOpenAIError(p.name, err)
	}

	onChunk(StreamChunk{Done: true})

	var calls []ToolCall
	for _, idx := range toolCallOrder {
		tc := toolCalls[idx]
		args := map[string]any{}
		_ = json.Unmarshal([]byte(rawArgs[idx].String()), &args)
		tc.Arguments = args
		calls = append(calls, *tc)
	}
	if len(calls) > 0 {
		finishReason = "tool_calls"
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &ChatResponse{
		Content:      content.String(),
		ToolCalls:    calls,
		FinishReason: mapOpenAIFinishReason(finishReason),
		Usage:        usage,
	}, nil
}

func openAICompletionToChatResponse(comp *sdk.ChatCompletion) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if len(comp.Choices) == 0 {
		return result
	}

	choice := comp.Choices[0]
	result.Content = choice.Message.Content
	result.FinishReason = mapOpenAIFinishReason(string(choice.FinishReason))

	for _, tc := range choice.Message.ToolCalls {
		switch v := tc.AsAny().(type) {
		case sdk.ChatCompletionMessageFunctionToolCall:
			args := map[string]any{}
			_ = json.Unmarshal([]byte(v.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        v.ID,
				Name:      strings.TrimSpace(v.Function.Name),
				Arguments: args,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	result.Usage = Usage{
		PromptTokens:     int(comp.Usage.PromptTokens),
		CompletionTokens: int(comp.Usage.CompletionTokens),
		TotalTokens:      int(comp.Usage.TotalTokens),
	}
	return result
}

// mapOpenAIFinishReason normalizes OpenAI's "stop"/"tool_calls"/"length"
// vocabulary onto the provider-agnostic set used elsewhere in this package.
func mapOpenAIFinishReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	case "tool_calls":
		return "tool_calls"
	case "":
		return "stop"
	default:
		return reason
	}
}

func convertOpenAIMessages(messages []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))

		case "user":
			out = append(out, sdk.UserMessage(m.Content))

		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		case "tool":
			content := m.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, sdk.ToolMessage(content, m.ToolCallID))
		}
	}
	return out
}

func convertOpenAITools(defs []ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		def := sdk.FunctionDefinitionParam{
			Name:        d.Name,
			Description: sdk.String(d.Description),
			Parameters:  d.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}

func wrapOpenAIError(name string, err error) error {
	return fmt.Errorf("%s: %w", name, err)
}
