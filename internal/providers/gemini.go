package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures a GeminiProvider.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// GeminiProvider implements Provider over the official
// google.golang.org/genai client.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewGeminiProvider constructs a Provider backed by Gemini's
// GenerateContent API, defaulting MaxRetries/RetryDelay/DefaultModel when
// unset.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }

// SupportsThinking reports true: Gemini 2.x/3 models accept a
// ThinkingConfig requesting an internal reasoning pass.
func (p *GeminiProvider) SupportsThinking() bool { return true }

func (p *GeminiProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GeminiProvider) buildConfig(req ChatRequest) (*genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}

	if len(req.Tools) > 0 {
		tools, toolCfg, err := convertGeminiTools(req.Tools)
		if err != nil {
			return nil, err
		}
		cfg.Tools = tools
		cfg.ToolConfig = toolCfg
	}

	if level, _ := req.Options[OptThinkingLevel].(string); level != "" && level != "off" {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	return cfg, nil
}

// Chat issues a single non-streaming completion.
func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := p.resolveModel(req.Model)
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert messages: %w", err)
	}
	cfg, err := p.buildConfig(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert tools: %w", err)
	}

	var resp *genai.GenerateContentResponse
	for attempt := 0; ; attempt++ {
		resp, err = p.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err == nil {
			break
		}
		if attempt >= p.maxRetries || !isRetryableError(err) {
			return nil, wrapGeminiError(err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}

	return geminiResponseToChatResponse(resp)
}

// ChatStream issues a streaming completion, invoking onChunk for every
// text/thought delta, and returns the accumulated response once the
// stream completes.
func (p *GeminiProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model := p.resolveModel(req.Model)
	contents, err := convertGeminiMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert messages: %w", err)
	}
	cfg, err := p.buildConfig(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: convert tools: %w", err)
	}

	var textContent strings.Builder
	var thinkingContent strings.Builder
	var toolCalls []ToolCall
	callIdx := 0

	stream := p.client.Models.GenerateContentStream(ctx, model, contents, cfg)
	for resp, err := range stream {
		if err != nil {
			return nil, wrapGeminiError(err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.Thought {
				if part.Text != "" {
					thinkingContent.WriteString(part.Text)
					onChunk(StreamChunk{Thinking: part.Text})
				}
				continue
			}
			if part.Text != "" {
				textContent.WriteString(part.Text)
				onChunk(StreamChunk{Content: part.Text})
			}
			if part.FunctionCall != nil {
				callIdx++
				id := part.FunctionCall.ID
				if id == "" {
					id = "call-" + strconv.Itoa(callIdx)
				}
				toolCalls = append(toolCalls, ToolCall{
					ID:        id,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
	}

	onChunk(StreamChunk{Done: true})

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	usage := Usage{}
	if thinkingContent.Len() > 0 {
		usage.ThinkingTokens = thinkingContent.Len() / 4
	}

	return &ChatResponse{
		Content:      textContent.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func geminiResponseToChatResponse(resp *genai.GenerateContentResponse) (*ChatResponse, error) {
	if resp == nil {
		return nil, errors.New("gemini: nil response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini: request blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("gemini: no candidates in response")
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case genai.FinishReasonSafety:
		return nil, errors.New("gemini: response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return nil, errors.New("gemini: response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return nil, errors.New("gemini: malformed function call")
	}

	if candidate.Content == nil {
		return &ChatResponse{FinishReason: "stop"}, nil
	}

	var text strings.Builder
	var toolCalls []ToolCall
	thinkingChars := 0
	callIdx := 0
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Thought {
			thinkingChars += len(part.Text)
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			callIdx++
			id := part.FunctionCall.ID
			if id == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	} else if candidate.FinishReason == genai.FinishReasonMaxTokens {
		finish = "length"
	}

	usage := Usage{}
	if thinkingChars > 0 {
		usage.ThinkingTokens = thinkingChars / 4
	}

	return &ChatResponse{
		Content:      text.String(),
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// convertGeminiMessages converts the provider-agnostic Message slice into
// genai.Content, folding system messages into a leading user turn (Gemini
// has no dedicated system role on the legacy Content API) and tool
// results into function-response parts.
func convertGeminiMessages(messages []Message) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, errors.New("messages required")
	}

	toolNamesByID := map[string]string{}
	var lastFuncName string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "", "user", "system":
			role = genai.RoleUser
		case "assistant":
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if tc.Name != "" {
					lastFuncName = tc.Name
				}
			}
		case "tool":
			name := toolNamesByID[m.ToolCallID]
			if name == "" {
				name = lastFuncName
			}
			if name == "" {
				name = "tool_response"
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
		}

		text := m.Content
		if role == genai.RoleUser && strings.ToLower(strings.TrimSpace(m.Role)) == "system" {
			text = "[system] " + text
		}

		var parts []*genai.Part
		if strings.TrimSpace(text) != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, tc.Arguments))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func convertGeminiTools(defs []ToolDefinition) ([]*genai.Tool, *genai.ToolConfig, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(defs))
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, nil, errors.New("gemini: tool name required")
		}
		names = append(names, d.Name)
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 d.Name,
			Description:          d.Description,
			ParametersJsonSchema: d.Parameters,
		})
	}
	sort.Strings(names)

	cfg := &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAuto,
		},
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, cfg, nil
}

func wrapGeminiError(err error) error {
	return fmt.Errorf("gemini: %w", err)
}
