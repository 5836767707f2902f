package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parleyhq/parley/internal/provider"
)

// Registry holds the registered tools in registration order.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	schemas sync.Map // name -> *jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are an error; tool sets are wired at
// startup, not swapped at runtime.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %s already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns the provider-facing tool definitions in registration order.
func (r *Registry) Defs() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Validate checks arguments against the tool's schema. Compiled schemas are
// cached per tool.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	t, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}

	schema, err := r.compiled(name, t.Schema())
	if err != nil {
		return fmt.Errorf("tools: schema for %s: %w", name, err)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("tools: arguments for %s are not valid JSON: %w", name, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tools: invalid arguments for %s: %w", name, err)
	}
	return nil
}

// Execute validates and runs a tool. Execution failures come back as an
// error; the caller decides whether that becomes an error result row.
func (r *Registry) Execute(ctx context.Context, inv *Invocation, name string, args json.RawMessage) (*Result, error) {
	if err := r.Validate(name, args); err != nil {
		return nil, err
	}
	t, _ := r.Get(name)
	return t.Execute(ctx, inv, args)
}

func (r *Registry) compiled(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := r.schemas.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	r.schemas.Store(name, schema)
	return schema, nil
}
