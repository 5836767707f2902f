package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/tokens"
	"github.com/parleyhq/parley/pkg/models"
)

// MinMessages is the smallest history worth compacting.
const MinMessages = 4

// minVerbatimTail applies whenever the verbatim budget is positive.
const minVerbatimTail = 2

// ErrTooFewMessages is returned when the session has nothing to fold away.
var ErrTooFewMessages = fmt.Errorf("compaction: need at least %d messages", MinMessages)

const summaryInstruction = `Summarize the conversation below for use as persistent context. Capture the user's goals, decisions made, important facts and names, and any unfinished work. Write a dense summary in plain prose, no preamble.

Conversation:
`

var (
	metricCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_compactions_total",
		Help: "Compaction runs by outcome.",
	}, []string{"outcome"})
)

// Broadcast delivers an event to every client watching the session.
type Broadcast func(sessionID string, ev models.Event)

// Engine produces compaction snapshots.
type Engine struct {
	store     storage.Store
	providers *provider.Registry
	settings  *settings.Service
	logger    *slog.Logger
	broadcast Broadcast
}

func NewEngine(store storage.Store, providers *provider.Registry, settings *settings.Service, logger *slog.Logger, broadcast Broadcast) *Engine {
	if broadcast == nil {
		broadcast = func(string, models.Event) {}
	}
	return &Engine{store: store, providers: providers, settings: settings, logger: logger, broadcast: broadcast}
}

// ShouldCompact reports whether a turn's usage crossed the auto-compaction
// threshold for the session's model.
func (e *Engine) ShouldCompact(session *models.Session, usage *models.Usage) bool {
	if usage == nil {
		return false
	}
	window := e.providers.ContextWindow(session.Model)
	threshold := e.settings.CompactionThresholdPct()
	total := usage.InputTokens + usage.OutputTokens
	return total*100 >= window*threshold
}

// Compact summarizes the session's older history and installs a new active
// snapshot. On failure the session is left untouched and a compaction_error
// event is broadcast.
func (e *Engine) Compact(ctx context.Context, sessionID string) (*models.CompactionSnapshot, error) {
	snap, err := e.compact(ctx, sessionID)
	if err != nil {
		metricCompactions.WithLabelValues("error").Inc()
		e.logger.Error("compaction failed", "session", sessionID, "error", err)
		e.broadcast(sessionID, models.Event{
			Type:  models.EventCompactionError,
			Error: &models.ErrorPayload{Kind: provider.KindUnknown, Message: err.Error(), Recoverable: true},
		})
		return nil, err
	}
	metricCompactions.WithLabelValues("ok").Inc()
	return snap, nil
}

func (e *Engine) compact(ctx context.Context, sessionID string) (*models.CompactionSnapshot, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stored, err := e.store.ListMessages(ctx, sessionID, storage.ListMessagesOptions{})
	if err != nil {
		return nil, err
	}
	all := make([]models.Message, len(stored))
	for i, m := range stored {
		all[i] = *m
	}

	nonCompaction := 0
	for _, m := range all {
		if m.Role != models.RoleCompaction {
			nonCompaction++
		}
	}
	if nonCompaction < MinMessages {
		return nil, ErrTooFewMessages
	}

	e.broadcast(sessionID, models.Event{Type: models.EventCompactionStarted})

	window := e.providers.ContextWindow(session.Model)
	budget := window * e.settings.VerbatimBudgetPct() / 100
	tail := selectVerbatimTail(all, budget)

	prefix := all[:len(all)-len(tail)]
	transcript := FormatTranscript(prefix)

	adapter, modelID, err := e.providers.Resolve(session.Model)
	if err != nil {
		return nil, err
	}
	summary, _, err := adapter.Complete(ctx, &provider.Request{
		Model: modelID,
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: summaryInstruction + transcript,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("compaction: summarize: %w", err)
	}
	if summary == "" {
		return nil, errors.New("compaction: empty summary from provider")
	}

	verbatimIDs := make([]string, len(tail))
	verbatimTokens := 0
	for i, m := range tail {
		verbatimIDs[i] = m.ID
		verbatimTokens += tokens.EstimateMessage(&m)
	}
	summaryTokens := tokens.EstimateText(summary)

	snap := &models.CompactionSnapshot{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Summary:        summary,
		SummaryTokens:  summaryTokens,
		VerbatimIDs:    verbatimIDs,
		VerbatimTokens: verbatimTokens,
		TriggerTokens:  session.TotalTokens,
		Model:          session.Model,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	session.ActiveSnapshotID = snap.ID
	// The cached total is what the auto-compaction threshold measures, so it
	// resets to the assembled prompt's cost: verbatim tail plus summary.
	session.TotalTokens = verbatimTokens + summaryTokens
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}

	note := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleCompaction,
		Content:    fmt.Sprintf("%s\n\n(%d messages remain verbatim)", summary, len(tail)),
		SnapshotID: snap.ID,
		TokenCount: summaryTokens,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.AppendMessage(ctx, note); err != nil {
		return nil, err
	}

	e.logger.Info("session compacted",
		"session", sessionID,
		"summarized", len(prefix),
		"verbatim", len(tail),
		"summary_tokens", summaryTokens)

	payload, _ := json.Marshal(map[string]any{
		"snapshotId":    snap.ID,
		"messageId":     note.ID,
		"verbatimCount": len(tail),
	})
	e.broadcast(sessionID, models.Event{Type: models.EventCompaction, Data: payload})
	return snap, nil
}

// selectVerbatimTail walks backward from the newest message, keeping messages
// while their cumulative estimated tokens fit the budget. A positive budget
// keeps at least two messages; zero keeps none. The tail never starts on a
// tool result, the preceding assistant message is pulled in instead.
func selectVerbatimTail(all []models.Message, budget int) []models.Message {
	if budget <= 0 || len(all) == 0 {
		return nil
	}

	start := len(all)
	used := 0
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role == models.RoleCompaction {
			break
		}
		cost := tokens.EstimateMessage(&all[i])
		if used+cost > budget && len(all)-start >= minVerbatimTail {
			break
		}
		used += cost
		start = i
	}

	// Guarantee the floor even when the budget is tiny.
	for len(all)-start < minVerbatimTail && start > 0 && all[start-1].Role != models.RoleCompaction {
		start--
	}
	for start > 0 && all[start].Role == models.RoleToolResult && all[start-1].Role != models.RoleCompaction {
		start--
	}
	return all[start:]
}
