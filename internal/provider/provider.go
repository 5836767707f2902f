// Package provider adapts the canonical conversation format to the concrete
// LLM provider APIs. Each adapter translates assembled history into one
// provider request, streams the response back as canonical chunks, and leaves
// classification of failures to the shared error taxonomy. Adapters make a
// single attempt; retry policy belongs to the caller.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Request is the provider-agnostic completion request. Messages arrive
// already assembled: compaction messages resolved into their synthetic pair,
// verbatim tail attached, images filtered per the inlining policy.
type Request struct {
	Model     string
	System    string
	Messages  []models.Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one canonical streaming increment. Exactly one of the fields is
// meaningful per chunk; Done and Err are terminal.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *models.Usage
	Done     bool
	Err      error
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"contextWindow"`
	Vision        bool   `json:"vision"`
}

// Adapter is one provider integration.
type Adapter interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream starts a streaming completion. It returns the marshalled
	// provider request (for the debug event and audit trail) and a channel
	// of chunks that closes after the terminal chunk. Returned errors mean
	// the request could not be constructed; transport failures arrive as
	// Chunk.Err.
	Stream(ctx context.Context, req *Request) (json.RawMessage, <-chan Chunk, error)

	// Complete runs a non-streaming completion and returns the full text.
	// Used for compaction summaries and other internal calls.
	Complete(ctx context.Context, req *Request) (string, *models.Usage, error)

	// Models lists the models this adapter can serve.
	Models() []ModelInfo
}

// Registry holds the configured adapters keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Resolve splits a "provider:model_id" reference and returns the adapter
// together with the bare model identifier.
func (r *Registry) Resolve(ref string) (Adapter, string, error) {
	providerName, modelID, err := SplitModelRef(ref)
	if err != nil {
		return nil, "", err
	}
	adapter, ok := r.adapters[providerName]
	if !ok {
		return nil, "", fmt.Errorf("provider: unknown provider %q", providerName)
	}
	return adapter, modelID, nil
}

// Models aggregates the catalog across all configured adapters.
func (r *Registry) Models() []ModelInfo {
	var out []ModelInfo
	for _, name := range []string{"anthropic", "openai"} {
		if a, ok := r.adapters[name]; ok {
			out = append(out, a.Models()...)
		}
	}
	for name, a := range r.adapters {
		if name == "anthropic" || name == "openai" {
			continue
		}
		out = append(out, a.Models()...)
	}
	return out
}

// ContextWindow returns the context window for a model reference, or the
// conservative default when the model is not in the catalog.
func (r *Registry) ContextWindow(ref string) int {
	providerName, modelID, err := SplitModelRef(ref)
	if err != nil {
		return DefaultContextWindow
	}
	if a, ok := r.adapters[providerName]; ok {
		for _, m := range a.Models() {
			if m.ID == modelID {
				return m.ContextWindow
			}
		}
	}
	return DefaultContextWindow
}

// SplitModelRef parses "provider:model_id". The model id may itself contain
// colons, only the first separates the provider.
func SplitModelRef(ref string) (string, string, error) {
	providerName, modelID, ok := strings.Cut(ref, ":")
	if !ok || providerName == "" || modelID == "" {
		return "", "", fmt.Errorf("provider: malformed model reference %q, want provider:model_id", ref)
	}
	return providerName, modelID, nil
}
