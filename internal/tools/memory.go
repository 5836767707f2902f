package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/tokens"
	"github.com/parleyhq/parley/pkg/models"
)

// MemoryConfig caps how much the memory store may hold and return.
type MemoryConfig struct {
	MaxStorageTokens int
	MaxReturnTokens  int

	// OnChange fires after any mutation so the gateway can broadcast.
	OnChange func()
}

// NewMemoryTools returns the save/search/list/delete tools over the durable
// memory table.
func NewMemoryTools(store storage.Store, cfg MemoryConfig) []Tool {
	if cfg.OnChange == nil {
		cfg.OnChange = func() {}
	}
	return []Tool{
		&memorySaveTool{store, cfg},
		&memorySearchTool{store, cfg},
		&memoryListTool{store, cfg},
		&memoryDeleteTool{store, cfg},
	}
}

type memorySaveTool struct {
	store storage.Store
	cfg   MemoryConfig
}

func (t *memorySaveTool) Name() string { return "memory_save" }
func (t *memorySaveTool) Description() string {
	return "Save a durable memory that persists across sessions. Use for facts the user wants remembered."
}
func (t *memorySaveTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The fact to remember, written so it makes sense without context.",
			},
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional labels for retrieval.",
			},
		},
		"required": []string{"content"},
	})
}

func (t *memorySaveTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("memory content is empty")
	}

	cost := tokens.EstimateText(in.Content)
	existing, err := t.store.ListMemories(ctx)
	if err != nil {
		return nil, err
	}
	used := 0
	for _, m := range existing {
		used += m.TokenCount
	}
	if t.cfg.MaxStorageTokens > 0 && used+cost > t.cfg.MaxStorageTokens {
		return nil, fmt.Errorf("memory storage full: %d of %d tokens used", used, t.cfg.MaxStorageTokens)
	}

	now := time.Now().UTC()
	mem := &models.Memory{
		ID:         uuid.NewString(),
		Content:    in.Content,
		Tags:       in.Tags,
		TokenCount: cost,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := t.store.CreateMemory(ctx, mem); err != nil {
		return nil, err
	}
	t.cfg.OnChange()
	return &Result{Content: "saved memory " + mem.ID}, nil
}

type memorySearchTool struct {
	store storage.Store
	cfg   MemoryConfig
}

func (t *memorySearchTool) Name() string { return "memory_search" }
func (t *memorySearchTool) Description() string {
	return "Search saved memories by text query."
}
func (t *memorySearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Free-text search query.",
			},
		},
		"required": []string{"query"},
	})
}

func (t *memorySearchTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	found, err := t.store.SearchMemories(ctx, in.Query, 50)
	if err != nil {
		return nil, err
	}
	return &Result{Content: renderMemories(found, t.cfg.MaxReturnTokens)}, nil
}

type memoryListTool struct {
	store storage.Store
	cfg   MemoryConfig
}

func (t *memoryListTool) Name() string { return "memory_list" }
func (t *memoryListTool) Description() string {
	return "List all saved memories, newest first."
}
func (t *memoryListTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{"type": "object", "properties": map[string]any{}})
}

func (t *memoryListTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	all, err := t.store.ListMemories(ctx)
	if err != nil {
		return nil, err
	}
	return &Result{Content: renderMemories(all, t.cfg.MaxReturnTokens)}, nil
}

type memoryDeleteTool struct {
	store storage.Store
	cfg   MemoryConfig
}

func (t *memoryDeleteTool) Name() string { return "memory_delete" }
func (t *memoryDeleteTool) Description() string {
	return "Delete a saved memory by its identifier."
}
func (t *memoryDeleteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Memory identifier as returned by memory_list or memory_save.",
			},
		},
		"required": []string{"id"},
	})
}

func (t *memoryDeleteTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := t.store.DeleteMemory(ctx, in.ID); err != nil {
		return nil, err
	}
	t.cfg.OnChange()
	return &Result{Content: "deleted memory " + in.ID}, nil
}

// renderMemories formats memories for the model, stopping at the return
// token cap.
func renderMemories(memories []*models.Memory, maxTokens int) string {
	if len(memories) == 0 {
		return "no memories found"
	}
	var b strings.Builder
	used := 0
	for _, m := range memories {
		if maxTokens > 0 && used+m.TokenCount > maxTokens {
			fmt.Fprintf(&b, "[%d more memories omitted, return budget reached]\n", remaining(memories, m.ID))
			break
		}
		used += m.TokenCount
		fmt.Fprintf(&b, "[%s] %s", m.ID, m.Content)
		if len(m.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(m.Tags, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func remaining(memories []*models.Memory, fromID string) int {
	for i, m := range memories {
		if m.ID == fromID {
			return len(memories) - i
		}
	}
	return 0
}
