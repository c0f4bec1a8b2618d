// Package mcp connects to an external MCP (Model Context Protocol) server
// over stdio and registers each tool it exposes into a tools.Registry as
// a plugin-sourced Tool, using a lazy stdio connection via
// mark3labs/mcp-go and tool discovery via ListTools.
package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentforge/core/internal/tools"
)

// Config describes one MCP server to connect to over stdio.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Filter  []string // empty = expose every tool the server advertises
}

// Source lazily connects to an MCP server and exposes its tools as
// tools.Tool values ready for Registry.Register(..., tools.SourcePlugin).
type Source struct {
	cfg Config

	mu        sync.Mutex
	client    *client.Client
	connected bool
	filterSet map[string]bool
}

// New constructs a Source; the connection itself is established lazily
// on first Tools() call.
func New(cfg Config) (*Source, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp: command is required")
	}
	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}
	return &Source{cfg: cfg, filterSet: filterSet}, nil
}

// Tools connects (if needed) and returns the discovered tools wrapped as
// tools.Tool. All calls are forced serial (Parallelizable=false) and
// assigned to a per-server lane, since an MCP server's own concurrency
// guarantees are unknown to the scheduler.
func (s *Source) Tools(ctx context.Context) ([]tools.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		if err := s.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcp: connect %s: %w", s.cfg.Name, err)
		}
	}

	listResp, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools on %s: %w", s.cfg.Name, err)
	}

	out := make([]tools.Tool, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		if s.filterSet != nil && !s.filterSet[t.Name] {
			continue
		}
		out = append(out, &wrapper{
			source: s,
			name:   t.Name,
			desc:   t.Description,
			params: schemaToParameters(t.InputSchema),
			lane:   "mcp:" + s.cfg.Name,
		})
	}
	return out, nil
}

// Close shuts down the underlying MCP client, if connected.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Source) connect(ctx context.Context) error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentforge-core", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize mcp client: %w", err)
	}

	s.client = c
	s.connected = true
	return nil
}

// wrapper adapts one MCP-advertised tool into a tools.Tool, routing
// Execute through the server's CallTool RPC.
type wrapper struct {
	source *Source
	name   string
	desc   string
	params []tools.Parameter
	lane   string
}

func (w *wrapper) Name() string                   { return w.name }
func (w *wrapper) Description() string            { return w.desc }
func (w *wrapper) Category() tools.Category        { return tools.CategoryAutomation }
func (w *wrapper) Parallelizable() bool             { return false }
func (w *wrapper) Lane() string                     { return w.lane }
func (w *wrapper) Parameters() []tools.Parameter    { return w.params }

func (w *wrapper) Execute(ctx context.Context, input map[string]any, opts tools.ExecOptions) (*tools.Result, error) {
	w.source.mu.Lock()
	c := w.source.client
	w.source.mu.Unlock()
	if c == nil {
		return tools.ErrorResult("mcp server not connected"), nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = input

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err), nil
	}

	var text string
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			text += tc.Text
		}
	}
	if resp.IsError {
		return tools.ErrorResult(text), nil
	}
	return tools.NewResult(text), nil
}

// schemaToParameters extracts a flat parameter list from an MCP tool's
// JSON-Schema input_schema, for display/validation purposes; nested
// schemas are preserved as opaque "object"/"array" typed parameters
// rather than fully recursively unpacked.
func schemaToParameters(schema mcp.ToolInputSchema) []tools.Parameter {
	required := map[string]bool{}
	for _, r := range schema.Required {
		required[r] = true
	}

	params := make([]tools.Parameter, 0, len(schema.Properties))
	for name, raw := range schema.Properties {
		p := tools.Parameter{Name: name, Required: required[name]}
		if m, ok := raw.(map[string]any); ok {
			if t, ok := m["type"].(string); ok {
				p.Type = t
			}
			if d, ok := m["description"].(string); ok {
				p.Description = d
			}
		}
		if p.Type == "" {
			p.Type = "string"
		}
		params = append(params, p)
	}
	return params
}
