package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), storage.NewMemoryStore(), &config.Config{
		VisionModel:       "openai:gpt-4o",
		CoordinateBackend: "vision",
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestEnvDefaultsApply(t *testing.T) {
	svc := newTestService(t)
	if got := svc.VisionModel(); got != "openai:gpt-4o" {
		t.Errorf("VisionModel = %q", got)
	}
	if got := svc.Get(KeyCoordinateBackend); got != "vision" {
		t.Errorf("coordinate backend = %q", got)
	}
}

func TestPersistedOverrideWinsOverEnv(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Set(context.Background(), KeyVisionModel, "anthropic:claude-sonnet-4-20250514"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := svc.VisionModel(); got != "anthropic:claude-sonnet-4-20250514" {
		t.Errorf("VisionModel = %q", got)
	}
}

func TestVerbatimBudgetClamp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if got := svc.VerbatimBudgetPct(); got != DefaultVerbatimBudgetPct {
		t.Errorf("default budget = %d", got)
	}

	svc.Set(ctx, KeyVerbatimBudget, "80")
	if got := svc.VerbatimBudgetPct(); got != MaxVerbatimBudgetPct {
		t.Errorf("budget 80 clamped to %d, want %d", got, MaxVerbatimBudgetPct)
	}

	svc.Set(ctx, KeyVerbatimBudget, "0")
	if got := svc.VerbatimBudgetPct(); got != 0 {
		t.Errorf("budget 0 = %d, want 0", got)
	}
}

func TestMessagesPageSizeClamp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Set(ctx, KeyMessagesPageSize, "1")
	if got := svc.MessagesPageSize(); got != MinMessagesPageSize {
		t.Errorf("page size 1 = %d, want %d", got, MinMessagesPageSize)
	}
	svc.Set(ctx, KeyMessagesPageSize, "1000")
	if got := svc.MessagesPageSize(); got != MaxMessagesPageSize {
		t.Errorf("page size 1000 = %d, want %d", got, MaxMessagesPageSize)
	}
}

func TestProtectedKeysRejectGenericUpdate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	err := svc.Set(ctx, KeyAutoApprove, "true")
	if !errors.Is(err, ErrProtectedKey) {
		t.Errorf("Set(auto_approve) = %v, want ErrProtectedKey", err)
	}
	if err := svc.SetOwned(ctx, KeyLastActiveSessionID, "s1"); err != nil {
		t.Errorf("SetOwned: %v", err)
	}
	if got := svc.Get(KeyLastActiveSessionID); got != "s1" {
		t.Errorf("last_active_session_id = %q", got)
	}
}

func TestOnChangeFires(t *testing.T) {
	svc := newTestService(t)
	var gotKey, gotValue string
	svc.OnChange(func(k, v string) { gotKey, gotValue = k, v })

	if err := svc.Set(context.Background(), KeyDefaultModel, "openai:gpt-4o"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if gotKey != KeyDefaultModel || gotValue != "openai:gpt-4o" {
		t.Errorf("onChange got (%q, %q)", gotKey, gotValue)
	}
}
