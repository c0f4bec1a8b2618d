package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements Provider over the real anthropic-sdk-go
// client.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider constructs a Provider backed by Anthropic's Messages
// API, defaulting MaxRetries/RetryDelay/DefaultModel when unset.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Name() string           { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string   { return p.defaultModel }
func (p *AnthropicProvider) SupportsThinking() bool { return true }

// thinkingBudgetTokens maps the "thinking_level" chat option to an Anthropic
// thinking token budget; Anthropic requires a minimum of 1024.
func thinkingBudgetTokens(level string) int64 {
	switch level {
	case "high":
		return 24000
	case "medium":
		return 10000
	case "low":
		return 2048
	default:
		return 0
	}
}

func (p *AnthropicProvider) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := int64(4096)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	for _, m := range req.Messages {
		if m.Role == "system" && m.Content != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	if level, _ := req.Options[OptThinkingLevel].(string); level != "" {
		budget := thinkingBudgetTokens(level)
		if budget > 0 {
			params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
			if params.MaxTokens <= budget {
				params.MaxTokens = budget + 4096
			}
		}
	}

	return params, nil
}

// Chat issues a single non-streaming completion.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var resp *anthropic.Message
	for attempt := 0; ; attempt++ {
		resp, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !isRetryableError(err) {
			return nil, wrapAnthropicError(err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}

	return anthropicResponseToChatResponse(resp), nil
}

// ChatStream issues a streaming completion, invoking onChunk for every
// text/thinking delta, and returns the accumulated response once the
// stream completes.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	var textContent strings.Builder
	var thinkingContent strings.Builder
	var rawBlocks []json.RawMessage
	var toolCalls []ToolCall
	var currentToolCall *ToolCall
	var currentToolInput strings.Builder
	var usage Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.PromptTokens = int(ms.Message.Usage.InputTokens)
			usage.CacheCreationTokens = int(ms.Message.Usage.CacheCreationInputTokens)
			usage.CacheReadTokens = int(ms.Message.Usage.CacheReadInputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentToolCall = &ToolCall{ID: tu.ID, Name: tu.Name}
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textContent.WriteString(delta.Text)
					onChunk(StreamChunk{Content: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingContent.WriteString(delta.Thinking)
					onChunk(StreamChunk{Thinking: delta.Thinking})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args := map[string]any{}
				if currentToolInput.Len() > 0 {
					_ = json.Unmarshal([]byte(currentToolInput.String()), &args)
				}
				currentToolCall.Arguments = args
				toolCalls = append(toolCalls, *currentToolCall)
				if raw, err := json.Marshal(map[string]any{
					"type":  "tool_use",
					"id":    currentToolCall.ID,
					"name":  currentToolCall.Name,
					"input": args,
				}); err == nil {
					rawBlocks = append(rawBlocks, raw)
				}
				currentToolCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(md.Usage.OutputTokens)
			}

		case "error":
			return nil, errors.New("anthropic: stream error")
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}

	onChunk(StreamChunk{Done: true})

	if thinkingContent.Len() > 0 {
		usage.ThinkingTokens = thinkingContent.Len() / 4
		if raw, err := json.Marshal(map[string]any{
			"type":     "thinking",
			"thinking": thinkingContent.String(),
		}); err == nil {
			rawBlocks = append([]json.RawMessage{raw}, rawBlocks...)
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	resp := &ChatResponse{
		Content:      textContent.String(),
		ToolCalls:    toolCalls,
		FinishReason: "stop",
		Usage:        usage,
	}
	if len(toolCalls) > 0 {
		resp.FinishReason = "tool_calls"
	}
	if len(rawBlocks) > 0 {
		if b, err := json.Marshal(rawBlocks); err == nil {
			resp.RawAssistantContent = b
		}
	}
	return resp, nil
}

func anthropicResponseToChatResponse(resp *anthropic.Message) *ChatResponse {
	var text strings.Builder
	var toolCalls []ToolCall
	var rawBlocks []json.RawMessage
	thinkingChars := 0

	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ThinkingBlock:
			thinkingChars += len(v.Thinking)
			if raw, err := json.Marshal(map[string]any{
				"type":      "thinking",
				"thinking":  v.Thinking,
				"signature": v.Signature,
			}); err == nil {
				rawBlocks = append(rawBlocks, raw)
			}
		case anthropic.ToolUseBlock:
			var args map[string]any
			_ = json.Unmarshal(v.Input, &args)
			toolCalls = append(toolCalls, ToolCall{ID: v.ID, Name: v.Name, Arguments: args})
			if raw, err := json.Marshal(map[string]any{
				"type": "tool_use", "id": v.ID, "name": v.Name, "input": v.Input,
			}); err == nil {
				rawBlocks = append(rawBlocks, raw)
			}
		}
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	} else if resp.StopReason == "max_tokens" {
		finish = "length"
	}

	usage := Usage{
		PromptTokens:        int(resp.Usage.InputTokens),
		CompletionTokens:    int(resp.Usage.OutputTokens),
		CacheCreationTokens: int(resp.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(resp.Usage.CacheReadInputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if thinkingChars > 0 {
		usage.ThinkingTokens = thinkingChars / 4
	}

	out := &ChatResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}
	if len(rawBlocks) > 0 {
		if b, err := json.Marshal(rawBlocks); err == nil {
			out.RawAssistantContent = b
		}
	}
	return out
}

// convertMessages converts the provider-agnostic Message slice (skipping
// system messages, which Anthropic carries separately) to Anthropic's
// content-block message format, replaying preserved text and tool-use
// blocks from RawAssistantContent when present; preserved thinking blocks
// are not replayed.
func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		if msg.Role == "assistant" && len(msg.RawAssistantContent) > 0 {
			var rawBlocks []json.RawMessage
			if err := json.Unmarshal(msg.RawAssistantContent, &rawBlocks); err == nil && len(rawBlocks) > 0 {
				var content []anthropic.ContentBlockParamUnion
				for _, raw := range rawBlocks {
					var head struct {
						Type string `json:"type"`
					}
					if err := json.Unmarshal(raw, &head); err != nil {
						continue
					}
					switch head.Type {
					case "text":
						var b struct{ Text string }
						if json.Unmarshal(raw, &b) == nil {
							content = append(content, anthropic.NewTextBlock(b.Text))
						}
					case "tool_use":
						var b struct {
							ID    string
							Name  string
							Input map[string]any
						}
						if json.Unmarshal(raw, &b) == nil {
							content = append(content, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
						}
					}
				}
				if len(content) > 0 {
					result = append(result, anthropic.NewAssistantMessage(content...))
					continue
				}
			}
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		params := d.Parameters
		if props, ok := params["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := params["required"].([]string); ok {
			schema.Required = req
		}

		toolParam := anthropic.ToolParam{Name: d.Name, InputSchema: schema}
		if d.Description != "" {
			toolParam.Description = anthropic.String(d.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return result, nil
}

// isRetryableError classifies transient failures (rate limits, 5xx, network
// blips) as retryable, leaving permanent failures (bad request, auth) to
// fail fast.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func wrapAnthropicError(err error) error {
	return fmt.Errorf("anthropic: %w", err)
}
