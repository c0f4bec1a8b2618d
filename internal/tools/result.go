// Package tools implements the Tool Registry and supporting primitives:
// tool metadata, the unified execution Result, ordered before/after
// hooks, and the dual-dialect schema export consumed by LLM provider
// adapters.
package tools

import "github.com/agentforge/core/internal/providers"

// Result is the unified return type from tool execution, carried as a
// tool-role message back into the Session.
type Result struct {
	ForLLM  string `json:"for_llm"`
	ForUser string `json:"for_user,omitempty"`
	Silent  bool   `json:"silent"`
	IsError bool   `json:"is_error"`
	Async   bool   `json:"async"`
	Err     error  `json:"-"`

	// Usage holds token usage for tools that make their own internal LLM
	// calls (e.g. a summarizer tool); when set the Agent Loop records it
	// on the tool's tracing span.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`
}

func NewResult(forLLM string) *Result { return &Result{ForLLM: forLLM} }

func SilentResult(forLLM string) *Result { return &Result{ForLLM: forLLM, Silent: true} }

func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }

func UserResult(content string) *Result { return &Result{ForLLM: content, ForUser: content} }

func AsyncResult(message string) *Result { return &Result{ForLLM: message, Async: true} }

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
