package tools

import (
	"context"
	"encoding/json"
	"testing"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input back." }
func (echoTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	})
}
func (echoTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &Result{Content: in.Text}, nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(echoTool{}); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.Validate("echo", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required field accepted")
	}
	if err := r.Validate("echo", json.RawMessage(`{"text":42}`)); err == nil {
		t.Error("wrong type accepted")
	}
	if err := r.Validate("nope", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inv := &Invocation{SessionID: "s1", ToolCallID: "t1"}
	res, err := r.Execute(context.Background(), inv, "echo", json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "hello" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRegistryDefsInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, tool := range NewFilesystemTools(t.TempDir()) {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	defs := r.Defs()
	want := []string{"filesystem_list_directory", "filesystem_read_file", "filesystem_write_file"}
	if len(defs) != len(want) {
		t.Fatalf("defs = %d, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("defs[%d] = %s, want %s", i, defs[i].Name, name)
		}
	}
}
