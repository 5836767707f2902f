package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func tokenEvent(text string) models.Event {
	return models.Event{Type: models.EventToken, Token: text}
}

func TestCreateReplacesPriorEntry(t *testing.T) {
	r := NewRegistry()
	first := r.Create("s1", "a1", "anthropic:claude-sonnet-4-20250514")
	second := r.Create("s1", "a2", "anthropic:claude-sonnet-4-20250514")

	if got := r.Get("s1"); got != second {
		t.Fatalf("Get returned the stale entry")
	}
	if first.Generation >= second.Generation {
		t.Errorf("generations not monotonic: %d then %d", first.Generation, second.Generation)
	}
	select {
	case <-first.Context().Done():
	default:
		t.Errorf("replaced entry's context not cancelled")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestPushAccumulatesAndDeliversInOrder(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")

	var got []string
	entry.Subscribe(func(ev models.Event) {
		if ev.Type == models.EventToken {
			got = append(got, ev.Token)
		}
	})

	for _, tok := range []string{"Hel", "lo", ", world"} {
		r.Push("s1", tokenEvent(tok))
	}

	if entry.Content() != "Hello, world" {
		t.Errorf("Content = %q", entry.Content())
	}
	if len(got) != 3 || got[0] != "Hel" || got[2] != ", world" {
		t.Errorf("delivered = %v", got)
	}
}

func TestPushToAbsentSessionIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Push("nope", tokenEvent("x")) // must not panic
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestAbortedStreamDropsTokensButStillNotifies(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")
	r.Push("s1", tokenEvent("before "))

	entry.Interrupt("\n\n[Interrupted by user]")
	if !entry.Aborted() {
		t.Fatalf("entry not aborted")
	}

	var notified int
	entry.Subscribe(func(models.Event) { notified++ })

	r.Push("s1", tokenEvent("after"))
	if got := entry.Content(); got != "before \n\n[Interrupted by user]" {
		t.Errorf("Content = %q", got)
	}

	// Tool calls and terminal events still land after abort.
	r.Push("s1", models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCall{
		ID: "t1", Name: "memory_list", Arguments: json.RawMessage(`{}`),
	}})
	if len(entry.ToolCalls()) != 1 {
		t.Errorf("ToolCalls = %v", entry.ToolCalls())
	}
	if entry.HasToolCalls() {
		t.Errorf("hasToolCalls set despite abort")
	}
	r.Push("s1", models.Event{Type: models.EventDone, Done: &models.DonePayload{MessageID: "a1"}})
	if !entry.Done() {
		t.Errorf("done not recorded")
	}
	if notified != 3 {
		t.Errorf("notified %d times, want 3", notified)
	}
}

func TestScheduleRemovalSupersededByNewerCreate(t *testing.T) {
	r := NewRegistry(WithRemovalDelay(10 * time.Millisecond))
	r.Create("s1", "a1", "openai:gpt-4o")
	r.ScheduleRemoval("s1")

	// A new stream starts during the grace period; the pending removal
	// must leave it alone.
	replacement := r.Create("s1", "a2", "openai:gpt-4o")

	time.Sleep(50 * time.Millisecond)
	if got := r.Get("s1"); got != replacement {
		t.Fatalf("replacement entry was reaped by the stale timer")
	}
}

func TestScheduleRemovalFires(t *testing.T) {
	r := NewRegistry(WithRemovalDelay(10 * time.Millisecond))
	r.Create("s1", "a1", "openai:gpt-4o")
	r.ScheduleRemoval("s1")

	deadline := time.Now().Add(time.Second)
	for r.Get("s1") != nil {
		if time.Now().After(deadline) {
			t.Fatalf("entry never reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContinueResetsRoundStateKeepingSubscribers(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")
	entry.Subscribe(func(models.Event) {})

	r.Push("s1", tokenEvent("round one"))
	r.Push("s1", models.Event{Type: models.EventToolCall, ToolCall: &models.ToolCall{
		ID: "t1", Name: "filesystem_read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`),
	}})
	r.Push("s1", models.Event{Type: models.EventUsage, Usage: &models.Usage{InputTokens: 10, OutputTokens: 4}})
	r.Push("s1", models.Event{Type: models.EventDone, Done: &models.DonePayload{MessageID: "a1", HasToolCalls: true}})

	got := r.Continue("s1", "a2")
	if got != entry {
		t.Fatalf("Continue returned a different entry")
	}
	if entry.Content() != "" || len(entry.ToolCalls()) != 0 || entry.Done() || entry.HasToolCalls() {
		t.Errorf("round state not reset: content=%q tools=%d done=%v", entry.Content(), len(entry.ToolCalls()), entry.Done())
	}
	if entry.Usage() != nil || entry.Err() != nil || entry.RequestPayload() != nil {
		t.Errorf("usage/error/request survived reset")
	}
	if entry.AssistantID() != "a2" {
		t.Errorf("AssistantID = %q", entry.AssistantID())
	}
	if entry.SubscriberCount() != 1 {
		t.Errorf("subscribers dropped on continue")
	}
}

func TestContinuePreservesAbortFlag(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")
	entry.Interrupt("")
	r.Continue("s1", "a2")
	if !entry.Aborted() {
		t.Errorf("abort flag lost across continue")
	}
}

func TestContinueOnAbsentSessionReturnsNil(t *testing.T) {
	r := NewRegistry()
	if got := r.Continue("missing", "a1"); got != nil {
		t.Errorf("Continue = %v, want nil", got)
	}
}

func TestFirstErrorWins(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")

	r.Push("s1", models.Event{Type: models.EventError, Error: &models.ErrorPayload{
		Kind: "RATE_LIMIT", Message: "429", Recoverable: true,
	}})
	r.Push("s1", models.Event{Type: models.EventError, Error: &models.ErrorPayload{
		Kind: "UNKNOWN", Message: "later",
	}})

	if err := entry.Err(); err == nil || err.Kind != "RATE_LIMIT" {
		t.Errorf("Err = %+v, want the first error", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	entry := r.Create("s1", "a1", "openai:gpt-4o")

	var n int
	remove := entry.Subscribe(func(models.Event) { n++ })
	r.Push("s1", tokenEvent("a"))
	remove()
	r.Push("s1", tokenEvent("b"))

	if n != 1 {
		t.Errorf("delivered %d events after unsubscribe, want 1", n)
	}
}

func TestSnapshotReflectsMidStreamState(t *testing.T) {
	r := NewRegistry()
	r.Create("s1", "a1", "anthropic:claude-sonnet-4-20250514")
	r.Push("s1", tokenEvent("partial "))
	r.Push("s1", tokenEvent("answer"))

	snap := r.Get("s1").Snapshot()
	if snap.AssistantID != "a1" || snap.Content != "partial answer" || snap.Done {
		t.Errorf("snapshot = %+v", snap)
	}
}
