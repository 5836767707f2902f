// Package loop drives the bounded stream → approval → execute → restream
// cycle for one user turn, keeping the persisted transcript identical to
// what stream subscribers observed live.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parleyhq/parley/internal/compaction"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/tokens"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// MaxRounds caps tool→LLM recursion depth within one loop invocation.
const MaxRounds = 10

// InterruptSentinel is appended to in-memory content when the user aborts,
// before the abort flag becomes observable, so the persisted message carries
// it.
const InterruptSentinel = "\n\n[Interrupted by user]"

const (
	cancelledResult = "[cancelled: an earlier tool call in this batch failed]"
	deniedResult    = "[cancelled: tool execution was denied by the user]"
	maxRoundsError  = "tool loop exceeded the maximum number of rounds"
)

const maxTitleRunes = 80

const defaultSystemPrompt = `You are a capable assistant with access to tools. Use them when they help, answer directly when they do not. Be concise.`

var (
	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_loop_turns_total",
		Help: "Completed loop turns by outcome.",
	}, []string{"outcome"})
	metricToolExecs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_tool_executions_total",
		Help: "Tool executions by result.",
	}, []string{"tool", "result"})
)

// Loop orchestrates turns. All cross-client visibility goes through the
// stream registry's fan-out; the loop itself never talks to connections.
type Loop struct {
	store     storage.Store
	streams   *stream.Registry
	providers *provider.Registry
	tools     *tools.Registry
	assembler *history.Assembler
	compactor *compaction.Engine
	settings  *settings.Service
	logger    *slog.Logger
}

func New(store storage.Store, streams *stream.Registry, providers *provider.Registry, toolReg *tools.Registry, assembler *history.Assembler, compactor *compaction.Engine, settings *settings.Service, logger *slog.Logger) *Loop {
	return &Loop{
		store:     store,
		streams:   streams,
		providers: providers,
		tools:     toolReg,
		assembler: assembler,
		compactor: compactor,
		settings:  settings,
		logger:    logger,
	}
}

// Start persists the user message, installs a fresh stream entry, and runs
// the turn in the background. attach, when non-nil, runs against the entry
// before the first event so the caller can subscribe without racing the
// stream.
func (l *Loop) Start(ctx context.Context, session *models.Session, content string, images []string, attach func(*stream.Entry)) (*stream.Entry, error) {
	userMsg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		Role:       models.RoleUser,
		Content:    content,
		Images:     images,
		TokenCount: tokens.EstimateText(content),
		CreatedAt:  time.Now().UTC(),
	}
	if err := l.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("loop: persist user message: %w", err)
	}
	if session.Title == "" {
		session.Title = DeriveTitle(content)
		if err := l.store.UpdateSession(ctx, session); err != nil {
			l.logger.Warn("title update failed", "session", session.ID, "error", err)
		}
	}

	entry := l.streams.Create(session.ID, uuid.NewString(), session.Model)
	if attach != nil {
		attach(entry)
	}
	go l.run(entry, session, userMsg.ID)
	return entry, nil
}

// Resume continues a turn whose tool calls were just approved. The caller
// has already won the pending→approved CAS.
func (l *Loop) Resume(ctx context.Context, session *models.Session, messageID string) error {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.HasToolCalls() {
		return fmt.Errorf("loop: message %s has no tool calls", messageID)
	}

	// Reuse the live entry so subscribers ride into the next round; a
	// finished or missing entry is replaced so nobody resolves early.
	entry := l.streams.Get(session.ID)
	if entry == nil {
		entry = l.streams.Create(session.ID, uuid.NewString(), session.Model)
	} else {
		entry = l.streams.Continue(session.ID, uuid.NewString())
	}

	go func() {
		l.executeAndPersist(entry, session, msg)
		if entry.Aborted() {
			l.terminate(entry, session.ID, "aborted")
			return
		}
		l.run(entry, session, "")
	}()
	return nil
}

// Deny records one cancellation row per pending tool call and terminates the
// turn. The caller has already won the pending→denied CAS.
func (l *Loop) Deny(ctx context.Context, session *models.Session, messageID string) error {
	msg, err := l.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	results := make([]models.ToolResult, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		results[i] = models.ToolResult{ToolCallID: tc.ID, Content: deniedResult, IsError: true}
	}
	resultMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleToolResult,
		ToolResults: results,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.AppendMessage(ctx, resultMsg); err != nil {
		return err
	}
	for i := range results {
		l.streams.Push(session.ID, models.Event{Type: models.EventToolResult, ToolResult: &results[i]})
	}
	if entry := l.streams.Get(session.ID); entry != nil {
		l.terminate(entry, session.ID, "denied")
	}
	return nil
}

// Interrupt asserts the abort flag on the session's live stream. The running
// loop observes the cancellation and finishes the turn.
func (l *Loop) Interrupt(sessionID string) bool {
	entry := l.streams.Get(sessionID)
	if entry == nil {
		return false
	}
	entry.Interrupt(InterruptSentinel)
	return true
}

// run executes streaming rounds until a terminal transition. userMsgID is
// the message whose rawTokenCount receives the first round's input usage;
// empty on resumed turns.
func (l *Loop) run(entry *stream.Entry, session *models.Session, userMsgID string) {
	for round := 0; round < MaxRounds; round++ {
		assistantMsg, failed := l.streamRound(entry, session, userMsgID)
		userMsgID = ""
		if failed || assistantMsg == nil {
			l.terminate(entry, session.ID, "error")
			return
		}
		if entry.Aborted() || !assistantMsg.HasToolCalls() {
			l.terminate(entry, session.ID, "done")
			return
		}

		if !session.AutoApprove {
			// The turn parks here; messages.approve or .deny resumes it.
			return
		}
		l.streams.Push(session.ID, models.Event{
			Type:     models.EventAutoApproved,
			Approval: &models.ApprovalPayload{MessageID: assistantMsg.ID, Status: models.ApprovalApproved},
		})

		l.executeAndPersist(entry, session, assistantMsg)
		if entry.Aborted() {
			l.terminate(entry, session.ID, "aborted")
			return
		}
		entry = l.streams.Continue(session.ID, uuid.NewString())
		if entry == nil {
			// A newer turn replaced us.
			return
		}
	}

	// Round budget exhausted: surface and persist the failure.
	payload := &models.ErrorPayload{Kind: provider.KindUnknown, Message: maxRoundsError, Recoverable: false}
	l.persistAssistantMessage(entry, session, nil, payload)
	l.streams.Push(session.ID, models.Event{Type: models.EventError, Error: payload})
	l.terminate(entry, session.ID, "max_rounds")
}

// streamRound performs one provider call. It returns the persisted assistant
// message, or failed=true when the round ended in a stream error (which has
// already been persisted and broadcast).
func (l *Loop) streamRound(entry *stream.Entry, session *models.Session, userMsgID string) (*models.Message, bool) {
	ctx := entry.Context()
	if entry.Aborted() {
		msg := l.persistAssistantMessage(entry, session, nil, nil)
		l.pushDone(session.ID, msg, false)
		return msg, false
	}

	prompt, err := l.assembler.Assemble(ctx, session)
	if err != nil {
		return l.failRound(entry, session, err)
	}
	adapter, modelID, err := l.providers.Resolve(session.Model)
	if err != nil {
		return l.failRound(entry, session, err)
	}

	system := l.settings.SystemPrompt()
	if system == "" {
		system = defaultSystemPrompt
	}
	rawReq, chunks, err := adapter.Stream(ctx, &provider.Request{
		Model:    modelID,
		System:   system,
		Messages: prompt,
		Tools:    l.tools.Defs(),
	})
	if err != nil {
		return l.failRound(entry, session, err)
	}

	l.streams.Push(session.ID, models.Event{
		Type:  models.EventDebug,
		Debug: &models.DebugPayload{Direction: models.DebugRequest, Payload: rawReq},
	})

	var streamErr error
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			streamErr = chunk.Err
		case chunk.Text != "":
			l.streams.Push(session.ID, models.Event{Type: models.EventToken, Token: chunk.Text})
		case chunk.ToolCall != nil:
			l.streams.Push(session.ID, models.Event{Type: models.EventToolCall, ToolCall: chunk.ToolCall})
		case chunk.Usage != nil:
			l.streams.Push(session.ID, models.Event{Type: models.EventUsage, Usage: chunk.Usage})
		}
	}

	if streamErr != nil && !entry.Aborted() {
		return l.failRound(entry, session, streamErr)
	}

	// Persist strictly before broadcasting done.
	msg := l.persistAssistantMessage(entry, session, entry.Usage(), nil)
	if msg == nil {
		return nil, true
	}
	if userMsgID != "" {
		l.recordInputUsage(session.ID, userMsgID, entry.Usage())
	}
	l.updateSessionUsage(session, entry.Usage())

	hasToolCalls := entry.HasToolCalls() && !entry.Aborted()
	l.pushDone(session.ID, msg, hasToolCalls)

	if l.compactor != nil && l.compactor.ShouldCompact(session, entry.Usage()) {
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			_, _ = l.compactor.Compact(cctx, session.ID)
		}()
	}
	return msg, false
}

// failRound classifies, persists, and broadcasts a stream failure.
func (l *Loop) failRound(entry *stream.Entry, session *models.Session, cause error) (*models.Message, bool) {
	payload := provider.Classify(cause)
	l.logger.Error("stream round failed", "session", session.ID, "kind", payload.Kind, "error", cause)
	l.persistAssistantMessage(entry, session, entry.Usage(), payload)
	l.streams.Push(session.ID, models.Event{Type: models.EventError, Error: payload})
	metricTurns.WithLabelValues("error").Inc()
	return nil, true
}

// persistAssistantMessage writes the round's accumulated state. Approval
// status lands only when tool calls exist: approved under auto-approve,
// otherwise pending.
func (l *Loop) persistAssistantMessage(entry *stream.Entry, session *models.Session, usage *models.Usage, streamErr *models.ErrorPayload) *models.Message {
	content := entry.Content()
	toolCalls := entry.ToolCalls()

	msg := &models.Message{
		ID:             entry.AssistantID(),
		SessionID:      session.ID,
		Role:           models.RoleAssistant,
		Content:        content,
		ToolCalls:      toolCalls,
		RequestPayload: entry.RequestPayload(),
		TokenCount:     tokens.EstimateText(content),
		CreatedAt:      time.Now().UTC(),
	}
	if len(toolCalls) > 0 && !entry.Aborted() {
		if session.AutoApprove {
			msg.ApprovalStatus = models.ApprovalApproved
		} else {
			msg.ApprovalStatus = models.ApprovalPending
		}
	}
	if usage != nil {
		msg.RawTokenCount = usage.OutputTokens
	}
	if streamErr != nil {
		if raw, err := json.Marshal(streamErr); err == nil {
			msg.ResponsePayload = raw
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.logger.Error("persist assistant message failed", "session", session.ID, "error", err)
		return nil
	}
	return msg
}

func (l *Loop) recordInputUsage(sessionID, userMsgID string, usage *models.Usage) {
	if usage == nil || usage.InputTokens == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := l.store.GetMessage(ctx, userMsgID)
	if err != nil {
		return
	}
	msg.RawTokenCount = usage.InputTokens
	if err := l.store.UpdateMessage(ctx, msg); err != nil {
		l.logger.Warn("input usage update failed", "message", userMsgID, "error", err)
	}
}

func (l *Loop) updateSessionUsage(session *models.Session, usage *models.Usage) {
	if usage == nil {
		return
	}
	session.TotalTokens = usage.InputTokens + usage.OutputTokens
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.UpdateSession(ctx, session); err != nil {
		l.logger.Warn("session usage update failed", "session", session.ID, "error", err)
	}
}

// executeAndPersist runs the batch sequentially. The first error cancels the
// remainder; cancelled calls still produce sentinel rows so the transcript
// stays complete.
func (l *Loop) executeAndPersist(entry *stream.Entry, session *models.Session, assistantMsg *models.Message) {
	ctx := entry.Context()
	results := make([]models.ToolResult, 0, len(assistantMsg.ToolCalls))
	var images []string
	failed := false

	for _, tc := range assistantMsg.ToolCalls {
		if failed || entry.Aborted() {
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: cancelledResult, IsError: true})
			metricToolExecs.WithLabelValues(tc.Name, "cancelled").Inc()
			continue
		}

		inv := &tools.Invocation{
			SessionID:  session.ID,
			ToolCallID: tc.ID,
			Progress: func(msg string) {
				l.streams.Push(session.ID, models.Event{
					Type: models.EventDebug,
					Debug: &models.DebugPayload{
						Direction: models.DebugResponse,
						Payload:   json.RawMessage(fmt.Sprintf("%q", msg)),
					},
				})
			},
		}
		res, err := l.tools.Execute(ctx, inv, tc.Name, tc.Arguments)
		switch {
		case err != nil:
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true})
			failed = true
			metricToolExecs.WithLabelValues(tc.Name, "error").Inc()
		default:
			results = append(results, models.ToolResult{ToolCallID: tc.ID, Content: res.Content, IsError: res.IsError})
			images = append(images, res.Images...)
			if res.IsError {
				failed = true
				metricToolExecs.WithLabelValues(tc.Name, "error").Inc()
			} else {
				metricToolExecs.WithLabelValues(tc.Name, "ok").Inc()
			}
		}
	}

	resultMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleToolResult,
		ToolResults: results,
		Images:      images,
		CreatedAt:   time.Now().UTC(),
	}
	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.store.AppendMessage(pctx, resultMsg); err != nil {
		l.logger.Error("persist tool results failed", "session", session.ID, "error", err)
	}
	for i := range results {
		l.streams.Push(session.ID, models.Event{Type: models.EventToolResult, ToolResult: &results[i]})
	}
}

func (l *Loop) pushDone(sessionID string, msg *models.Message, hasToolCalls bool) {
	done := &models.DonePayload{HasToolCalls: hasToolCalls}
	if msg != nil {
		done.MessageID = msg.ID
	}
	l.streams.Push(sessionID, models.Event{Type: models.EventDone, Done: done})
}

func (l *Loop) terminate(entry *stream.Entry, sessionID, outcome string) {
	metricTurns.WithLabelValues(outcome).Inc()
	l.streams.ScheduleRemoval(sessionID)
}

// DeriveTitle builds a session title from the first user message: the first
// line, trimmed to 80 runes on a word boundary.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i > maxTitleRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
