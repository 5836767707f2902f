package history

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/pkg/models"
)

type fixture struct {
	store   storage.Store
	session *models.Session
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	session := &models.Session{ID: "s1", Model: "openai:gpt-4o"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return &fixture{store: store, session: session, clock: time.Now().Add(-time.Hour)}
}

func (f *fixture) add(t *testing.T, msg models.Message) models.Message {
	t.Helper()
	f.clock = f.clock.Add(time.Second)
	msg.SessionID = f.session.ID
	msg.CreatedAt = f.clock
	if err := f.store.AppendMessage(context.Background(), &msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return msg
}

func (f *fixture) assemble(t *testing.T) []models.Message {
	t.Helper()
	out, err := NewAssembler(f.store).Assemble(context.Background(), f.session)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return out
}

func TestAssemblePlainHistory(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	f.add(t, models.Message{ID: "m2", Role: models.RoleAssistant, Content: "hello"})

	out := f.assemble(t)
	if len(out) != 2 || out[0].ID != "m1" || out[1].ID != "m2" {
		t.Fatalf("out = %+v", out)
	}
}

func TestAssembleSkipsEmptyToolResultsAndDupes(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "m1", Role: models.RoleUser, Content: "go"})
	f.add(t, models.Message{ID: "m2", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t1", Name: "memory_list", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "m3", Role: models.RoleToolResult}) // empty, dropped
	f.add(t, models.Message{ID: "m4", Role: models.RoleToolResult, ToolResults: []models.ToolResult{
		{ToolCallID: "t1", Content: "ok"},
	}})
	f.add(t, models.Message{ID: "m5", Role: models.RoleToolResult, ToolResults: []models.ToolResult{
		{ToolCallID: "t1", Content: "ok again"},
	}}) // duplicate call-id set, dropped

	out := f.assemble(t)
	var ids []string
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	want := []string{"m1", "m2", "m4"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestAssembleWithActiveSnapshot(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "old1", Role: models.RoleUser, Content: "ancient"})
	f.add(t, models.Message{ID: "old2", Role: models.RoleAssistant, Content: "history"})
	v1 := f.add(t, models.Message{ID: "v1", Role: models.RoleUser, Content: "recent question"})
	v2 := f.add(t, models.Message{ID: "v2", Role: models.RoleAssistant, Content: "recent answer"})

	snap := &models.CompactionSnapshot{
		ID:          "snap1",
		SessionID:   f.session.ID,
		Summary:     "They discussed ancient history.",
		VerbatimIDs: []string{v1.ID, v2.ID},
		CreatedAt:   f.clock,
	}
	if err := f.store.CreateSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	f.session.ActiveSnapshotID = snap.ID
	f.add(t, models.Message{ID: "comp", Role: models.RoleCompaction, Content: "summary note", SnapshotID: snap.ID})
	f.add(t, models.Message{ID: "new1", Role: models.RoleUser, Content: "and now?"})

	out := f.assemble(t)
	var ids []string
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	// synthetic pair (empty IDs) + v1 + v2 + new1; compaction and old
	// messages are absent.
	if len(out) != 5 {
		t.Fatalf("len = %d (%v)", len(out), ids)
	}
	if out[0].Role != models.RoleUser || !strings.HasPrefix(out[0].Content, "[Summary of conversation prior") {
		t.Errorf("synthetic user = %+v", out[0])
	}
	if !strings.Contains(out[0].Content, "ancient history") {
		t.Errorf("summary text missing: %q", out[0].Content)
	}
	if out[1].Role != models.RoleAssistant {
		t.Errorf("synthetic assistant = %+v", out[1])
	}
	if out[2].ID != "v1" || out[3].ID != "v2" || out[4].ID != "new1" {
		t.Errorf("tail = %v", ids)
	}
}

func TestAssembleLegacyCompactionTail(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "a1", Role: models.RoleUser, Content: "one"})
	f.add(t, models.Message{ID: "a2", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t1", Name: "memory_list", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "a3", Role: models.RoleToolResult, ToolResults: []models.ToolResult{
		{ToolCallID: "t1", Content: "out"},
	}})
	f.add(t, models.Message{ID: "a4", Role: models.RoleAssistant, Content: "done"})
	// verbatimCount 3 would start the tail on the tool result a3; the tail
	// must step back to a2 so the pair stays intact.
	f.add(t, models.Message{ID: "comp", Role: models.RoleCompaction, Content: "legacy summary", VerbatimCount: 3})
	f.add(t, models.Message{ID: "after", Role: models.RoleUser, Content: "next"})

	out := f.assemble(t)
	var ids []string
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	want := []string{"", "", "a2", "a3", "a4", "after"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	if ids[2] != "a2" || ids[5] != "after" {
		t.Errorf("ids = %v", ids)
	}
	if !strings.Contains(out[0].Content, "legacy summary") {
		t.Errorf("synthetic summary = %q", out[0].Content)
	}
}

func TestCollapseSupersededBrowserContent(t *testing.T) {
	f := newFixture(t)
	page := func(url string) string {
		return `{"type":"browser_content","url":"` + url + `","title":"Page","text":"` + strings.Repeat("x", 50) + `"}`
	}
	f.add(t, models.Message{ID: "m1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t1", Name: "browser_navigate", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "m2", Role: models.RoleToolResult, ToolResults: []models.ToolResult{
		{ToolCallID: "t1", Content: page("https://a.example")},
	}})
	f.add(t, models.Message{ID: "m3", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t2", Name: "browser_navigate", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "m4", Role: models.RoleToolResult, ToolResults: []models.ToolResult{
		{ToolCallID: "t2", Content: page("https://b.example")},
	}})

	out := f.assemble(t)
	var first, last string
	for _, m := range out {
		switch m.ID {
		case "m2":
			first = m.ToolResults[0].Content
		case "m4":
			last = m.ToolResults[0].Content
		}
	}
	if !strings.Contains(first, "content omitted") || !strings.Contains(first, "https://a.example") {
		t.Errorf("first capture not collapsed: %q", first)
	}
	if strings.Contains(last, "content omitted") || !strings.Contains(last, strings.Repeat("x", 50)) {
		t.Errorf("latest capture was collapsed: %q", last)
	}
}

func TestImagePolicyKeepsOnlyLastToolResultImages(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "m1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t1", Name: "browser_screenshot", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "m2", Role: models.RoleToolResult,
		Images:      []string{"data:image/png;base64,AAAA"},
		ToolResults: []models.ToolResult{{ToolCallID: "t1", Content: "shot 1"}}})
	f.add(t, models.Message{ID: "m3", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
		{ID: "t2", Name: "browser_screenshot", Arguments: json.RawMessage(`{}`)},
	}})
	f.add(t, models.Message{ID: "m4", Role: models.RoleToolResult,
		Images:      []string{"data:image/png;base64,BBBB"},
		ToolResults: []models.ToolResult{{ToolCallID: "t2", Content: "shot 2"}}})

	out := f.assemble(t)
	for _, m := range out {
		switch m.ID {
		case "m2":
			if len(m.Images) != 0 {
				t.Errorf("earlier tool result kept images")
			}
			if m.ToolResults[0].Content != "shot 1" {
				t.Errorf("text lost: %q", m.ToolResults[0].Content)
			}
		case "m4":
			if len(m.Images) != 1 {
				t.Errorf("latest tool result lost images")
			}
		}
	}
}

func TestAssemblyIsDeterministic(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"})
	f.add(t, models.Message{ID: "m2", Role: models.RoleAssistant, Content: "hello"})

	a := f.assemble(t)
	b := f.assemble(t)
	if len(a) != len(b) {
		t.Fatalf("lengths differ")
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content {
			t.Errorf("run mismatch at %d", i)
		}
	}
}
