package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/tokens"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

func (c *conn) handle(ctx context.Context, req *request) (any, error) {
	switch req.Type {
	case "config.init":
		return c.handleConfigInit(req.Payload)
	case "config.retries":
		return c.handleConfigRetries(req.Payload)

	case "sessions.list":
		return c.server.deps.Store.ListSessions(ctx)
	case "sessions.get":
		return c.handleSessionsGet(ctx, req.Payload)
	case "sessions.create":
		return c.handleSessionsCreate(ctx, req.Payload)
	case "sessions.update":
		return c.handleSessionsUpdate(ctx, req.Payload)
	case "sessions.delete":
		return c.handleSessionsDelete(ctx, req.Payload)
	case "sessions.watch":
		return c.handleSessionsWatch(req.Payload, true)
	case "sessions.unwatch":
		return c.handleSessionsWatch(req.Payload, false)
	case "sessions.compact":
		return c.handleSessionsCompact(ctx, req.Payload)
	case "sessions.switchModel":
		return c.handleSessionsSwitchModel(ctx, req.Payload)

	case "messages.list":
		return c.handleMessagesList(ctx, req.Payload)
	case "messages.create":
		return c.handleMessagesCreate(ctx, req.Payload)
	case "messages.update":
		return c.handleMessagesUpdate(ctx, req.Payload)
	case "messages.approve":
		return c.handleApproval(ctx, req.Payload, true)
	case "messages.deny":
		return c.handleApproval(ctx, req.Payload, false)
	case "messages.interrupt":
		return c.handleMessagesInterrupt(req.Payload)
	case "messages.search":
		return c.handleMessagesSearch(ctx, req.Payload)

	case "chat.stream":
		return c.handleChatStream(ctx, req.Payload)
	case "chat.subscribe":
		return c.handleChatSubscribe(req.Payload)
	case "chat.tools.validate":
		return c.handleToolsValidate(req.Payload)
	case "chat.tools.execute":
		return c.handleToolsExecute(ctx, req.Payload)

	case "memories.list":
		return c.server.deps.Store.ListMemories(ctx)
	case "memories.search":
		return c.handleMemoriesSearch(ctx, req.Payload)
	case "memories.create":
		return c.handleMemoriesCreate(ctx, req.Payload)
	case "memories.delete":
		return c.handleMemoriesDelete(ctx, req.Payload)

	case "settings.get":
		return c.server.deps.Settings.All(), nil
	case "settings.update":
		return c.handleSettingsUpdate(ctx, req.Payload)

	case "models.list":
		return c.server.deps.Providers.Models(), nil
	case "tools.list":
		return c.server.deps.Tools.Defs(), nil

	default:
		return nil, badRequest("unknown request type %q", req.Type)
	}
}

func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, badRequest("invalid payload: %v", err)
	}
	return &v, nil
}

// config.init negotiates the API version and per-connection retry budget.
func (c *conn) handleConfigInit(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Version    int `json:"version"`
		RetryCount int `json:"retryCount"`
	}](payload)
	if err != nil {
		return nil, err
	}
	c.setHandshake(p.Version, p.RetryCount)
	return map[string]int{"version": apiVersion}, nil
}

// config.retries is the legacy handshake kept for older clients.
func (c *conn) handleConfigRetries(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Count int `json:"count"`
	}](payload)
	if err != nil {
		return nil, err
	}
	c.setHandshake(apiVersion, p.Count)
	return map[string]int{"version": apiVersion}, nil
}

func (c *conn) handleSessionsGet(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return c.server.deps.Store.GetSession(ctx, p.SessionID)
}

func (c *conn) handleSessionsCreate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Title       string `json:"title"`
		Model       string `json:"model"`
		AutoApprove bool   `json:"autoApprove"`
	}](payload)
	if err != nil {
		return nil, err
	}
	session, err := c.createSession(ctx, p.Title, p.Model, p.AutoApprove)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *conn) createSession(ctx context.Context, title, model string, autoApprove bool) (*models.Session, error) {
	if model == "" {
		model = c.server.deps.Settings.DefaultModel()
	}
	if model == "" {
		if all := c.server.deps.Providers.Models(); len(all) > 0 {
			model = all[0].Provider + ":" + all[0].ID
		}
	}
	if _, _, err := c.server.deps.Providers.Resolve(model); err != nil {
		return nil, badRequest("no usable model: %v", err)
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:          uuid.NewString(),
		Title:       title,
		Model:       model,
		AutoApprove: autoApprove,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.server.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	c.server.BroadcastGlobal(models.Event{Type: models.EventSessionCreated, Session: session})
	return session, nil
}

func (c *conn) handleSessionsUpdate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID   string  `json:"sessionId"`
		Title       *string `json:"title"`
		AutoApprove *bool   `json:"autoApprove"`
	}](payload)
	if err != nil {
		return nil, err
	}
	session, err := c.server.deps.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.Title != nil {
		session.Title = *p.Title
	}
	if p.AutoApprove != nil {
		session.AutoApprove = *p.AutoApprove
	}
	session.UpdatedAt = time.Now().UTC()
	if err := c.server.deps.Store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	c.server.BroadcastSession(session.ID, models.Event{Type: models.EventSessionUpdated, Session: session}, c)
	return session, nil
}

// sessions.delete cascades: durable rows, attachment files, per-session
// browser, and any live stream entry.
func (c *conn) handleSessionsDelete(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := c.server.deps.Store.DeleteSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	c.server.deps.Streams.Remove(p.SessionID)
	if c.server.deps.Browsers != nil {
		c.server.deps.Browsers.Destroy(p.SessionID)
	}
	if c.server.deps.Files != nil {
		if err := c.server.deps.Files.DeleteSession(p.SessionID); err != nil {
			c.server.logger.Warn("attachment cleanup failed", "session", p.SessionID, "error", err)
		}
	}
	data, _ := json.Marshal(map[string]string{"sessionId": p.SessionID})
	c.server.BroadcastGlobal(models.Event{Type: models.EventSessionDeleted, Data: data})
	return map[string]bool{"deleted": true}, nil
}

func (c *conn) handleSessionsWatch(payload json.RawMessage, watch bool) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if p.SessionID == "" {
		return nil, badRequest("sessionId required")
	}
	if watch {
		c.server.watch(c, p.SessionID)
	} else {
		c.server.unwatch(c, p.SessionID)
	}
	return map[string]bool{"watching": watch}, nil
}

func (c *conn) handleSessionsCompact(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if c.server.deps.Compactor == nil {
		return nil, badRequest("compaction not configured")
	}
	snap, err := c.server.deps.Compactor.Compact(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *conn) handleSessionsSwitchModel(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if _, _, err := c.server.deps.Providers.Resolve(p.Model); err != nil {
		return nil, badRequest("unknown model %q: %v", p.Model, err)
	}
	session, err := c.server.deps.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	session.Model = p.Model
	session.UpdatedAt = time.Now().UTC()
	if err := c.server.deps.Store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	c.server.BroadcastSession(session.ID, models.Event{Type: models.EventSessionUpdated, Session: session}, c)
	return session, nil
}

func (c *conn) handleMessagesList(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string    `json:"sessionId"`
		Limit     int       `json:"limit"`
		Before    time.Time `json:"before"`
	}](payload)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = c.server.deps.Settings.MessagesPageSize()
	}
	opts := storage.ListMessagesOptions{Limit: limit, Before: p.Before}
	return c.server.deps.Store.ListMessages(ctx, p.SessionID, opts)
}

func (c *conn) handleMessagesCreate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string   `json:"sessionId"`
		Content   string   `json:"content"`
		Images    []string `json:"images"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.server.deps.Store.GetSession(ctx, p.SessionID); err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  p.SessionID,
		Role:       models.RoleUser,
		Content:    p.Content,
		Images:     p.Images,
		TokenCount: tokens.EstimateText(p.Content),
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.server.deps.Store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.server.BroadcastSession(p.SessionID, models.Event{Type: models.EventNewMessage, Message: msg}, c)
	return msg, nil
}

func (c *conn) handleMessagesUpdate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}](payload)
	if err != nil {
		return nil, err
	}
	msg, err := c.server.deps.Store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	msg.Content = p.Content
	msg.TokenCount = tokens.EstimateText(p.Content)
	if err := c.server.deps.Store.UpdateMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.server.BroadcastSession(msg.SessionID, models.Event{Type: models.EventNewMessage, Message: msg}, c)
	return msg, nil
}

// handleApproval performs the pending→approved (or denied) CAS, broadcasts
// the transition, and resumes or terminates the parked turn. A lost CAS
// surfaces as 409 so exactly one of two racing clients wins.
func (c *conn) handleApproval(ctx context.Context, payload json.RawMessage, approve bool) (any, error) {
	p, err := decode[struct {
		MessageID string `json:"messageId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	store := c.server.deps.Store
	msg, err := store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return nil, err
	}
	if !msg.HasToolCalls() {
		return nil, badRequest("message %s has no tool calls", p.MessageID)
	}
	session, err := store.GetSession(ctx, msg.SessionID)
	if err != nil {
		return nil, err
	}

	target := models.ApprovalApproved
	if !approve {
		target = models.ApprovalDenied
	}
	if err := store.TransitionApproval(ctx, p.MessageID, models.ApprovalPending, target); err != nil {
		return nil, err
	}

	c.server.BroadcastSession(session.ID, models.Event{
		Type:     models.EventApprovalChanged,
		Approval: &models.ApprovalPayload{MessageID: p.MessageID, Status: target},
	}, nil)

	if approve {
		if err := c.server.deps.Loop.Resume(ctx, session, p.MessageID); err != nil {
			return nil, err
		}
	} else {
		if err := c.server.deps.Loop.Deny(ctx, session, p.MessageID); err != nil {
			return nil, err
		}
	}
	return map[string]string{"status": string(target)}, nil
}

func (c *conn) handleMessagesInterrupt(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	interrupted := c.server.deps.Loop.Interrupt(p.SessionID)
	return map[string]bool{"interrupted": interrupted}, nil
}

// chat.stream begins a turn. The connection is subscribed to the new stream
// entry before the loop produces its first event, so no token is lost.
func (c *conn) handleChatStream(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string   `json:"sessionId"`
		Content   string   `json:"content"`
		Images    []string `json:"images"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" && len(p.Images) == 0 {
		return nil, badRequest("content required")
	}

	var session *models.Session
	if p.SessionID == "" {
		session, err = c.createSession(ctx, "", "", false)
	} else {
		session, err = c.server.deps.Store.GetSession(ctx, p.SessionID)
	}
	if err != nil {
		return nil, err
	}

	// Data-URL attachments are archived to the per-session file store; the
	// in-flight turn still carries the original payloads.
	if c.server.deps.Files != nil {
		for _, img := range p.Images {
			if _, err := c.server.deps.Files.SaveDataURL(session.ID, img); err != nil {
				c.server.logger.Warn("attachment archive failed", "session", session.ID, "error", err)
			}
		}
	}

	entry, err := c.server.deps.Loop.Start(ctx, session, p.Content, p.Images, func(e *stream.Entry) {
		c.subscribeEntry(session.ID, e)
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"sessionId":   session.ID,
		"assistantId": entry.AssistantID(),
	}, nil
}

// chat.subscribe attaches to a live stream. The catch-up state is pushed as a
// snapshot event ahead of further live events; subscribing happens first so no
// event can fall between the snapshot and the subscription, and the client
// reconciles any overlap. No active stream yields active:false.
func (c *conn) handleChatSubscribe(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string `json:"sessionId"`
	}](payload)
	if err != nil {
		return nil, err
	}
	entry := c.server.deps.Streams.Get(p.SessionID)
	if entry == nil {
		return map[string]any{"active": false}, nil
	}
	c.subscribeEntry(p.SessionID, entry)
	c.sendPush(p.SessionID, models.Event{Type: models.EventSnapshot, Snapshot: entry.Snapshot()})
	return map[string]any{"active": true}, nil
}

func (c *conn) handleToolsValidate(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := c.server.deps.Tools.Validate(p.Name, p.Arguments); err != nil {
		return map[string]any{"valid": false, "error": err.Error()}, nil
	}
	return map[string]any{"valid": true}, nil
}

func (c *conn) handleToolsExecute(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		SessionID string          `json:"sessionId"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}](payload)
	if err != nil {
		return nil, err
	}
	inv := &tools.Invocation{SessionID: p.SessionID, ToolCallID: uuid.NewString()}
	res, err := c.server.deps.Tools.Execute(ctx, inv, p.Name, p.Arguments)
	if err != nil {
		return nil, badRequest("%s: %v", p.Name, err)
	}
	return res, nil
}

func (c *conn) handleMessagesSearch(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, badRequest("query is required")
	}
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return c.server.deps.Store.SearchMessages(ctx, p.Query, limit)
}

func (c *conn) handleMemoriesSearch(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}](payload)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return c.server.deps.Store.SearchMemories(ctx, p.Query, limit)
}

func (c *conn) handleMemoriesCreate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, badRequest("content required")
	}
	now := time.Now().UTC()
	mem := &models.Memory{
		ID:         uuid.NewString(),
		Content:    p.Content,
		Tags:       p.Tags,
		TokenCount: tokens.EstimateText(p.Content),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.server.deps.Store.CreateMemory(ctx, mem); err != nil {
		return nil, err
	}
	c.server.BroadcastGlobal(models.Event{Type: models.EventMemoryChanged})
	return mem, nil
}

func (c *conn) handleMemoriesDelete(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ID string `json:"id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := c.server.deps.Store.DeleteMemory(ctx, p.ID); err != nil {
		return nil, err
	}
	c.server.BroadcastGlobal(models.Event{Type: models.EventMemoryChanged})
	return map[string]bool{"deleted": true}, nil
}

// settings.update applies a batch of key/value writes. UI-managed keys are
// rejected with 403; the settings service broadcasts each committed change.
func (c *conn) handleSettingsUpdate(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		Values map[string]string `json:"values"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if len(p.Values) == 0 {
		return nil, badRequest("values required")
	}
	for key, value := range p.Values {
		if err := c.server.deps.Settings.Set(ctx, key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}
	return c.server.deps.Settings.All(), nil
}
