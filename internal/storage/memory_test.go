package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sess := &models.Session{ID: "s1", Title: "first", Model: "anthropic:claude-sonnet-4-20250514", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "first" {
		t.Errorf("Title = %q, want %q", got.Title, "first")
	}

	got.Title = "renamed"
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	again, _ := store.GetSession(ctx, "s1")
	if again.Title != "renamed" {
		t.Errorf("Title after update = %q", again.Title)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	mustCreateSession(t, store, "s1")
	mustAppend(t, store, &models.Message{ID: "m1", SessionID: "s1", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()})
	if err := store.CreateSnapshot(ctx, &models.CompactionSnapshot{ID: "snap1", SessionID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetMessage(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("message survived session delete: %v", err)
	}
	if _, err := store.GetSnapshot(ctx, "snap1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot survived session delete: %v", err)
	}
}

func TestMemoryStoreListMessagesOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mustCreateSession(t, store, "s1")

	base := time.Now()
	for i := 0; i < 5; i++ {
		mustAppend(t, store, &models.Message{
			ID: string(rune('a' + i)), SessionID: "s1", Role: models.RoleUser,
			Content: "msg", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	msgs, err := store.ListMessages(ctx, "s1", ListMessagesOptions{Limit: 3})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	// Newest page, ascending order.
	if msgs[0].ID != "c" || msgs[2].ID != "e" {
		t.Errorf("page = [%s..%s], want [c..e]", msgs[0].ID, msgs[2].ID)
	}

	older, err := store.ListMessages(ctx, "s1", ListMessagesOptions{Limit: 2, Before: msgs[0].CreatedAt})
	if err != nil {
		t.Fatalf("ListMessages before: %v", err)
	}
	if len(older) != 2 || older[0].ID != "a" || older[1].ID != "b" {
		t.Errorf("older page wrong: %+v", older)
	}
}

func TestMemoryStoreApprovalCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mustCreateSession(t, store, "s1")
	mustAppend(t, store, &models.Message{
		ID: "m1", SessionID: "s1", Role: models.RoleAssistant,
		ToolCalls:      []models.ToolCall{{ID: "t1", Name: "filesystem_list_directory"}},
		ApprovalStatus: models.ApprovalPending,
		CreatedAt:      time.Now(),
	})

	if err := store.TransitionApproval(ctx, "m1", models.ApprovalPending, models.ApprovalApproved); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	err := store.TransitionApproval(ctx, "m1", models.ApprovalPending, models.ApprovalApproved)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("second transition = %v, want ErrConflict", err)
	}
}

func TestMemoryStoreSettings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.GetSetting(ctx, "default_model"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(unset) = %v, want ErrNotFound", err)
	}
	if err := store.SetSetting(ctx, "default_model", "openai:gpt-4o"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, err := store.GetSetting(ctx, "default_model")
	if err != nil || v != "openai:gpt-4o" {
		t.Errorf("GetSetting = %q, %v", v, err)
	}

	all, err := store.AllSettings(ctx)
	if err != nil || all["default_model"] != "openai:gpt-4o" {
		t.Errorf("AllSettings = %v, %v", all, err)
	}
}

func mustCreateSession(t *testing.T, store Store, id string) {
	t.Helper()
	err := store.CreateSession(context.Background(), &models.Session{
		ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSession(%s): %v", id, err)
	}
}

func mustAppend(t *testing.T, store Store, msg *models.Message) {
	t.Helper()
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage(%s): %v", msg.ID, err)
	}
}
