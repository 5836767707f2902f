package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/loop"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// streamAdapter emits a fixed token sequence for every round.
type streamAdapter struct {
	tokens []string
}

func (a *streamAdapter) Name() string { return "fake" }

func (a *streamAdapter) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "model", Name: "Fake Model", Provider: "fake", ContextWindow: 100000}}
}

func (a *streamAdapter) Complete(ctx context.Context, req *provider.Request) (string, *models.Usage, error) {
	return "summary", nil, nil
}

func (a *streamAdapter) Stream(ctx context.Context, req *provider.Request) (json.RawMessage, <-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk)
	go func() {
		defer close(ch)
		for _, tok := range a.tokens {
			ch <- provider.Chunk{Text: tok}
		}
		ch <- provider.Chunk{Done: true}
	}()
	return json.RawMessage(`{}`), ch, nil
}

// gatedAdapter emits a first batch of tokens, then holds the stream open
// until released.
type gatedAdapter struct {
	first   []string
	rest    []string
	release chan struct{}
}

func (a *gatedAdapter) Name() string { return "fake" }

func (a *gatedAdapter) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "model", Name: "Fake Model", Provider: "fake", ContextWindow: 100000}}
}

func (a *gatedAdapter) Complete(ctx context.Context, req *provider.Request) (string, *models.Usage, error) {
	return "summary", nil, nil
}

func (a *gatedAdapter) Stream(ctx context.Context, req *provider.Request) (json.RawMessage, <-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk)
	go func() {
		defer close(ch)
		for _, tok := range a.first {
			ch <- provider.Chunk{Text: tok}
		}
		<-a.release
		for _, tok := range a.rest {
			ch <- provider.Chunk{Text: tok}
		}
		ch <- provider.Chunk{Done: true}
	}()
	return json.RawMessage(`{}`), ch, nil
}

type gatewayHarness struct {
	store   storage.Store
	streams *stream.Registry
	server  *httptest.Server
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	return newGatewayHarnessWith(t, &streamAdapter{tokens: []string{"hello ", "world"}})
}

func newGatewayHarnessWith(t *testing.T, adapter provider.Adapter) *gatewayHarness {
	t.Helper()
	store := storage.NewMemoryStore()
	streams := stream.NewRegistry(stream.WithRemovalDelay(50 * time.Millisecond))
	providers := provider.NewRegistry(adapter)
	svc, err := settings.NewService(context.Background(), store, &config.Config{})
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	toolReg := tools.NewRegistry()
	lp := loop.New(store, streams, providers, toolReg, history.NewAssembler(store), nil, svc, logger)

	srv := NewServer(Deps{
		Store:     store,
		Streams:   streams,
		Loop:      lp,
		Providers: providers,
		Tools:     toolReg,
		Settings:  svc,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &gatewayHarness{store: store, streams: streams, server: ts}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int64
}

func (h *gatewayHarness) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// call sends a request and waits for its response, collecting any pushes
// that arrive in between.
func (c *wsClient) call(reqType string, payload any) (response, []pushFrame) {
	c.t.Helper()
	c.seq++
	raw, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	req := request{Seq: c.seq, Type: reqType, Payload: raw}
	if err := c.conn.WriteJSON(req); err != nil {
		c.t.Fatalf("write: %v", err)
	}

	var pushes []pushFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if isPush(data) {
			var p pushFrame
			if err := json.Unmarshal(data, &p); err != nil {
				c.t.Fatalf("decode push: %v", err)
			}
			pushes = append(pushes, p)
			continue
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.t.Fatalf("decode response: %v", err)
		}
		if resp.Seq != c.seq {
			c.t.Fatalf("seq = %d, want %d", resp.Seq, c.seq)
		}
		return resp, pushes
	}
}

// collectPushes reads push frames until pred returns true or the deadline
// expires.
func (c *wsClient) collectPushes(pred func(pushFrame) bool) []pushFrame {
	c.t.Helper()
	var pushes []pushFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read push: %v", err)
		}
		if !isPush(data) {
			continue
		}
		var p pushFrame
		if err := json.Unmarshal(data, &p); err != nil {
			c.t.Fatalf("decode push: %v", err)
		}
		pushes = append(pushes, p)
		if pred(p) {
			return pushes
		}
	}
}

func isPush(data []byte) bool {
	var probe struct {
		Push bool `json:"push"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.Push
}

func dataAs[T any](t *testing.T, resp response) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatalf("remarshal data: %v", err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return v
}

func TestConfigInitHandshake(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, _ := c.call("config.init", map[string]any{"version": 1, "retryCount": 3})
	if !resp.OK {
		t.Fatalf("config.init failed: %s", resp.Error)
	}
	got := dataAs[map[string]int](t, resp)
	if got["version"] != apiVersion {
		t.Errorf("version = %d, want %d", got["version"], apiVersion)
	}

	// Legacy handshake still answers with the current version.
	resp, _ = c.call("config.retries", map[string]any{"count": 2})
	if !resp.OK {
		t.Fatalf("config.retries failed: %s", resp.Error)
	}
}

func TestUnknownTypeReturns400(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, _ := c.call("nope.nothing", map[string]any{})
	if resp.OK {
		t.Fatal("unknown type accepted")
	}
	if resp.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.Status)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, _ := c.call("sessions.create", map[string]any{"title": "First"})
	if !resp.OK {
		t.Fatalf("create: %s", resp.Error)
	}
	created := dataAs[models.Session](t, resp)
	if created.Model != "fake:model" {
		t.Errorf("model = %q", created.Model)
	}

	resp, _ = c.call("sessions.get", map[string]any{"sessionId": created.ID})
	if !resp.OK {
		t.Fatalf("get: %s", resp.Error)
	}

	resp, _ = c.call("sessions.update", map[string]any{"sessionId": created.ID, "title": "Renamed"})
	if !resp.OK {
		t.Fatalf("update: %s", resp.Error)
	}
	if got := dataAs[models.Session](t, resp); got.Title != "Renamed" {
		t.Errorf("title = %q", got.Title)
	}

	resp, _ = c.call("sessions.list", nil)
	if !resp.OK {
		t.Fatalf("list: %s", resp.Error)
	}
	if got := dataAs[[]models.Session](t, resp); len(got) != 1 {
		t.Errorf("sessions = %d", len(got))
	}

	resp, _ = c.call("sessions.delete", map[string]any{"sessionId": created.ID})
	if !resp.OK {
		t.Fatalf("delete: %s", resp.Error)
	}
	resp, _ = c.call("sessions.get", map[string]any{"sessionId": created.ID})
	if resp.OK || resp.Status != http.StatusNotFound {
		t.Errorf("deleted session still resolves: %+v", resp)
	}
}

func TestChatStreamDeliversTokensAndDone(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, pushes := c.call("chat.stream", map[string]any{"content": "hi"})
	if !resp.OK {
		t.Fatalf("chat.stream: %s", resp.Error)
	}
	ids := dataAs[map[string]string](t, resp)
	if ids["sessionId"] == "" || ids["assistantId"] == "" {
		t.Fatalf("ids = %v", ids)
	}

	done := false
	for _, p := range pushes {
		if p.Event.Type == models.EventDone {
			done = true
		}
	}
	if !done {
		pushes = append(pushes, c.collectPushes(func(p pushFrame) bool {
			return p.Event.Type == models.EventDone
		})...)
	}

	var text strings.Builder
	var doneEv *models.DonePayload
	for _, p := range pushes {
		switch p.Event.Type {
		case models.EventToken:
			text.WriteString(p.Event.Token)
		case models.EventDone:
			doneEv = p.Event.Done
		}
	}
	if text.String() != "hello world" {
		t.Errorf("streamed text = %q", text.String())
	}
	if doneEv == nil || doneEv.HasToolCalls {
		t.Errorf("done = %+v", doneEv)
	}

	// The persisted transcript matches what was streamed.
	resp, _ = c.call("messages.list", map[string]any{"sessionId": ids["sessionId"]})
	if !resp.OK {
		t.Fatalf("messages.list: %s", resp.Error)
	}
	msgs := dataAs[[]models.Message](t, resp)
	if len(msgs) != 2 || msgs[1].Content != "hello world" {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestSubscribeMidStreamReplaysSnapshotThenTokens(t *testing.T) {
	adapter := &gatedAdapter{
		first:   []string{"hel", "lo wo"},
		rest:    []string{"rld"},
		release: make(chan struct{}),
	}
	h := newGatewayHarnessWith(t, adapter)
	c1 := h.dial(t)

	resp, _ := c1.call("chat.stream", map[string]any{"content": "hi"})
	if !resp.OK {
		t.Fatalf("chat.stream: %s", resp.Error)
	}
	ids := dataAs[map[string]string](t, resp)

	// Wait for the first batch to land in the live entry before attaching.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if e := h.streams.Get(ids["sessionId"]); e != nil && e.Content() == "hello wo" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never accumulated the first batch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c2 := h.dial(t)
	resp, pushes := c2.call("chat.subscribe", map[string]any{"sessionId": ids["sessionId"]})
	if !resp.OK {
		t.Fatalf("chat.subscribe: %s", resp.Error)
	}
	if got := dataAs[map[string]any](t, resp); got["active"] != true {
		t.Fatalf("subscribe data = %v", got)
	}

	var snap *models.StreamSnapshot
	for _, p := range pushes {
		if p.Event.Type == models.EventSnapshot {
			snap = p.Event.Snapshot
		}
	}
	if snap == nil {
		t.Fatal("no snapshot push before the subscribe response")
	}
	if snap.AssistantID != ids["assistantId"] || snap.Content != "hello wo" || snap.Done {
		t.Errorf("snapshot = %+v", snap)
	}

	close(adapter.release)
	rest := c2.collectPushes(func(p pushFrame) bool {
		return p.Event.Type == models.EventDone
	})
	var text strings.Builder
	for _, p := range rest {
		if p.Event.Type == models.EventToken {
			text.WriteString(p.Event.Token)
		}
	}
	if text.String() != "rld" {
		t.Errorf("post-snapshot tokens = %q", text.String())
	}
}

func TestWatchBroadcastReachesWatcher(t *testing.T) {
	h := newGatewayHarness(t)
	c1 := h.dial(t)
	c2 := h.dial(t)

	resp, _ := c1.call("sessions.create", map[string]any{"title": "Shared"})
	if !resp.OK {
		t.Fatalf("create: %s", resp.Error)
	}
	session := dataAs[models.Session](t, resp)

	if resp, _ := c2.call("sessions.watch", map[string]any{"sessionId": session.ID}); !resp.OK {
		t.Fatalf("watch: %s", resp.Error)
	}

	if resp, _ := c1.call("sessions.update", map[string]any{"sessionId": session.ID, "title": "Shared v2"}); !resp.OK {
		t.Fatalf("update: %s", resp.Error)
	}

	pushes := c2.collectPushes(func(p pushFrame) bool {
		return p.Event.Type == models.EventSessionUpdated
	})
	last := pushes[len(pushes)-1]
	if last.SessionID != session.ID || last.Event.Session.Title != "Shared v2" {
		t.Errorf("push = %+v", last)
	}

	// Unwatched connections stop receiving session-scoped broadcasts.
	if resp, _ := c2.call("sessions.unwatch", map[string]any{"sessionId": session.ID}); !resp.OK {
		t.Fatalf("unwatch: %s", resp.Error)
	}
	if resp, pushes := c1.call("sessions.update", map[string]any{"sessionId": session.ID, "title": "Shared v3"}); !resp.OK || len(pushes) != 0 {
		t.Fatalf("update after unwatch: %+v pushes=%d", resp, len(pushes))
	}
}

func TestApproveRequiresPendingStatus(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, _ := c.call("sessions.create", nil)
	if !resp.OK {
		t.Fatalf("create: %s", resp.Error)
	}
	session := dataAs[models.Session](t, resp)

	msg := &models.Message{
		ID:             "m1",
		SessionID:      session.ID,
		Role:           models.RoleAssistant,
		ToolCalls:      []models.ToolCall{{ID: "t1", Name: "x", Arguments: json.RawMessage(`{}`)}},
		ApprovalStatus: models.ApprovalApproved,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, _ = c.call("messages.approve", map[string]any{"messageId": "m1"})
	if resp.OK || resp.Status != http.StatusConflict {
		t.Errorf("approve on non-pending = %+v, want 409", resp)
	}
}

func TestSettingsUpdate(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, pushes := c.call("settings.update", map[string]any{
		"values": map[string]string{"default_model": "fake:model"},
	})
	if !resp.OK {
		t.Fatalf("update: %s", resp.Error)
	}
	// The commit broadcasts settings_changed globally, originator included.
	if len(pushes) == 0 {
		pushes = c.collectPushes(func(p pushFrame) bool {
			return p.Event.Type == models.EventSettingsChanged
		})
	}
	if pushes[len(pushes)-1].Event.Type != models.EventSettingsChanged {
		t.Errorf("push = %+v", pushes)
	}

	resp, _ = c.call("settings.update", map[string]any{
		"values": map[string]string{"auto_approve": "true"},
	})
	if resp.OK || resp.Status != http.StatusForbidden {
		t.Errorf("protected key update = %+v, want 403", resp)
	}
}

func TestModelsAndToolsList(t *testing.T) {
	h := newGatewayHarness(t)
	c := h.dial(t)

	resp, _ := c.call("models.list", nil)
	if !resp.OK {
		t.Fatalf("models.list: %s", resp.Error)
	}
	infos := dataAs[[]provider.ModelInfo](t, resp)
	if len(infos) != 1 || infos[0].ID != "model" {
		t.Errorf("models = %+v", infos)
	}

	resp, _ = c.call("tools.list", nil)
	if !resp.OK {
		t.Fatalf("tools.list: %s", resp.Error)
	}
}
