// Package tools registers the named operations the model can invoke,
// validates their arguments against JSON schemas, and executes them with a
// per-call invocation context.
package tools

import (
	"context"
	"encoding/json"
)

// Invocation carries the ambient call state a tool needs. No globals: the
// loop constructs one per tool call.
type Invocation struct {
	SessionID  string
	ToolCallID string

	// Progress reports intermediate status to stream subscribers. May be
	// nil.
	Progress func(message string)
}

func (inv *Invocation) report(msg string) {
	if inv != nil && inv.Progress != nil {
		inv.Progress(msg)
	}
}

// Result is a tool's output. Images are data URLs attached to the result
// message, subject to the assembler's inlining policy.
type Result struct {
	Content string
	IsError bool
	Images  []string
}

// Tool is one named operation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error)
}

func mustSchema(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}
