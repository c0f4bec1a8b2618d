package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// jsonSchemaType maps a Parameter.Type to its JSON Schema "type" keyword;
// parameters declared with an unrecognized type fall back to "string"
// rather than producing an invalid schema.
func jsonSchemaType(t string) string {
	switch t {
	case "string", "number", "boolean", "object", "array", "integer":
		return t
	default:
		return "string"
	}
}

// paramSchema renders a single Parameter as a JSON-Schema-shaped map,
// deriving properties from the parameter's type constraint.
func paramSchema(p Parameter) map[string]any {
	m := map[string]any{"type": jsonSchemaType(p.Type)}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		enum := make([]any, len(p.Enum))
		for i, v := range p.Enum {
			enum[i] = v
		}
		m["enum"] = enum
	}
	if p.Type == "array" && p.Items != nil {
		m["items"] = paramSchema(*p.Items)
	}
	return m
}

// InputSchema builds the { type: object, properties, required } shape
// both provider dialects share, from a tool's declared Parameters.
func InputSchema(params []Parameter) map[string]any {
	properties := map[string]any{}
	var required []string
	for _, p := range params {
		properties[p.Name] = paramSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// AnthropicToolDef is the { name, description, input_schema } shape
// Anthropic's Messages API expects.
type AnthropicToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// OpenAIToolDef is the { type: "function", function: {...} } shape the
// OpenAI chat completions / responses APIs expect.
type OpenAIToolDef struct {
	Type     string             `json:"type"`
	Function OpenAIFunctionSpec `json:"function"`
}

// OpenAIFunctionSpec is the nested function body of an OpenAIToolDef.
type OpenAIFunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToAnthropicFormat renders tool in Anthropic's tool-definition dialect.
func ToAnthropicFormat(tool Tool) AnthropicToolDef {
	return AnthropicToolDef{
		Name:        tool.Name(),
		Description: tool.Description(),
		InputSchema: InputSchema(tool.Parameters()),
	}
}

// ToOpenAIFormat renders tool in OpenAI's tool-definition dialect,
// symmetrical to ToAnthropicFormat.
func ToOpenAIFormat(tool Tool) OpenAIToolDef {
	return OpenAIToolDef{
		Type: "function",
		Function: OpenAIFunctionSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  InputSchema(tool.Parameters()),
		},
	}
}

// Validator compiles a tool's declared parameter schema once and
// validates candidate arguments against it, using
// santhosh-tekuri/jsonschema/v6 for dynamically-typed tool/plugin input.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles params into a reusable Validator.
func NewValidator(params []Parameter) (*Validator, error) {
	raw, err := json.Marshal(InputSchema(params))
	if err != nil {
		return nil, fmt.Errorf("tools: marshal schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceURI = "mem://tool-input-schema.json"
	if err := c.AddResource(resourceURI, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceURI)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Validate checks input against the compiled schema.
func (v *Validator) Validate(input map[string]any) error {
	return v.schema.Validate(input)
}
