// Package settings maintains the runtime-mutable configuration: persisted
// overrides merged over environment defaults, with change broadcasts to every
// connected client.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/storage"
)

// Recognized setting keys.
const (
	KeyDefaultModel        = "default_model"
	KeyVisionModel         = "vision_model"
	KeyCoordinateBackend   = "vnc_coordinate_backend"
	KeyVerbatimBudget      = "compaction_verbatim_budget"
	KeyCompactionThreshold = "context_compaction_threshold"
	KeyMessagesPageSize    = "messages_page_size"
	KeySystemPrompt        = "system_prompt"
	KeyAutoApprove         = "auto_approve"
	KeyLastActiveSessionID = "last_active_session_id"
)

// Clamps and defaults.
const (
	DefaultVerbatimBudgetPct      = 25
	MaxVerbatimBudgetPct          = 50
	DefaultCompactionThresholdPct = 90
	DefaultMessagesPageSize       = 50
	MinMessagesPageSize           = 5
	MaxMessagesPageSize           = 200
)

// ErrProtectedKey is returned when a generic update targets a UI-managed key.
var ErrProtectedKey = errors.New("settings: key is managed by the client")

// uiManaged keys are written only through their dedicated flows; a generic
// settings.update must not overwrite them.
var uiManaged = map[string]bool{
	KeyAutoApprove:         true,
	KeyLastActiveSessionID: true,
}

// Service is the read-mostly settings cache. Reads hit the in-process map;
// writes go through the store first, then update the cache and notify.
type Service struct {
	store storage.Store
	cfg   *config.Config

	mu     sync.RWMutex
	values map[string]string

	// onChange is invoked after a successful write commits, outside the
	// lock. The gateway registers a global broadcast here.
	onChange func(key, value string)
}

// NewService loads persisted settings and returns the cache.
func NewService(ctx context.Context, store storage.Store, cfg *config.Config) (*Service, error) {
	values, err := store.AllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	return &Service{store: store, cfg: cfg, values: values}, nil
}

// OnChange registers the change callback. Must be called before serving.
func (s *Service) OnChange(fn func(key, value string)) {
	s.onChange = fn
}

// Get returns the persisted override, or the environment default for keys
// that have one, or "".
func (s *Service) Get(key string) string {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	return s.envDefault(key)
}

// All returns the effective settings map (env defaults overlaid by persisted
// values).
func (s *Service) All() map[string]string {
	out := map[string]string{
		KeyVisionModel:         s.envDefault(KeyVisionModel),
		KeyCoordinateBackend:   s.envDefault(KeyCoordinateBackend),
		KeyVerbatimBudget:      strconv.Itoa(DefaultVerbatimBudgetPct),
		KeyCompactionThreshold: strconv.Itoa(DefaultCompactionThresholdPct),
		KeyMessagesPageSize:    strconv.Itoa(DefaultMessagesPageSize),
	}
	s.mu.RLock()
	for k, v := range s.values {
		out[k] = v
	}
	s.mu.RUnlock()
	return out
}

// Set persists a value, updates the cache, and fires the change callback.
// UI-managed keys are rejected.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if uiManaged[key] {
		return ErrProtectedKey
	}
	return s.write(ctx, key, value)
}

// SetOwned writes a UI-managed key through its dedicated flow.
func (s *Service) SetOwned(ctx context.Context, key, value string) error {
	return s.write(ctx, key, value)
}

func (s *Service) write(ctx context.Context, key, value string) error {
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(key, value)
	}
	return nil
}

// VerbatimBudgetPct returns the compaction verbatim budget clamped to
// [0, 50] percent.
func (s *Service) VerbatimBudgetPct() int {
	return clampInt(s.Get(KeyVerbatimBudget), DefaultVerbatimBudgetPct, 0, MaxVerbatimBudgetPct)
}

// CompactionThresholdPct returns the auto-compaction trigger percentage.
func (s *Service) CompactionThresholdPct() int {
	return clampInt(s.Get(KeyCompactionThreshold), DefaultCompactionThresholdPct, 1, 100)
}

// MessagesPageSize returns the pagination window clamped to [5, 200].
func (s *Service) MessagesPageSize() int {
	return clampInt(s.Get(KeyMessagesPageSize), DefaultMessagesPageSize, MinMessagesPageSize, MaxMessagesPageSize)
}

// DefaultModel returns the model for newly created sessions, or "".
func (s *Service) DefaultModel() string { return s.Get(KeyDefaultModel) }

// SystemPrompt returns the override prompt, or "" to use the built-in one.
func (s *Service) SystemPrompt() string { return s.Get(KeySystemPrompt) }

// VisionModel returns the effective vision model ("provider:model_id" or "").
func (s *Service) VisionModel() string { return s.Get(KeyVisionModel) }

func (s *Service) envDefault(key string) string {
	if s.cfg == nil {
		return ""
	}
	switch key {
	case KeyVisionModel:
		return s.cfg.VisionModel
	case KeyCoordinateBackend:
		return s.cfg.CoordinateBackend
	}
	return ""
}

func clampInt(raw string, fallback, min, max int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
