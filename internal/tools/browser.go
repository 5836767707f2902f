package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrBrowserGone is returned when a call races the idle reclaim or an
// explicit destroy.
var ErrBrowserGone = errors.New("browser session is no longer available")

// DefaultBrowserIdle is how long a session's browser survives without use.
const DefaultBrowserIdle = 5 * time.Minute

// BrowserManager owns one headless Chrome per session, created on first tool
// use and reclaimed after an idle period. Destroy is idempotent.
type BrowserManager struct {
	mu       sync.Mutex
	sessions map[string]*browserSession
	idle     time.Duration
	logger   *slog.Logger

	janitorOnce sync.Once
	closed      chan struct{}
}

type browserSession struct {
	taskCtx     context.Context
	taskCancel  context.CancelFunc
	allocCancel context.CancelFunc
	lastUsed    time.Time
	gone        bool
}

func NewBrowserManager(idle time.Duration, logger *slog.Logger) *BrowserManager {
	if idle <= 0 {
		idle = DefaultBrowserIdle
	}
	return &BrowserManager{
		sessions: make(map[string]*browserSession),
		idle:     idle,
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// acquire returns the session's live browser context, creating it lazily.
func (m *BrowserManager) acquire(sessionID string) (context.Context, error) {
	m.janitorOnce.Do(func() { go m.janitor() })

	m.mu.Lock()
	defer m.mu.Unlock()

	if bs, ok := m.sessions[sessionID]; ok && !bs.gone {
		bs.lastUsed = time.Now()
		return bs.taskCtx, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		chromedp.DefaultExecAllocatorOptions[:]...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	m.sessions[sessionID] = &browserSession{
		taskCtx:     taskCtx,
		taskCancel:  taskCancel,
		allocCancel: allocCancel,
		lastUsed:    time.Now(),
	}
	m.logger.Debug("browser started", "session", sessionID)
	return taskCtx, nil
}

// Destroy tears down the session's browser. Safe to call repeatedly and
// while tool calls are in flight; those calls fail with ErrBrowserGone.
func (m *BrowserManager) Destroy(sessionID string) {
	m.mu.Lock()
	bs, ok := m.sessions[sessionID]
	if ok {
		bs.gone = true
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	bs.taskCancel()
	bs.allocCancel()
	m.logger.Debug("browser destroyed", "session", sessionID)
}

// Close reclaims every browser and stops the janitor.
func (m *BrowserManager) Close() {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Destroy(id)
	}
}

func (m *BrowserManager) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idle)
			m.mu.Lock()
			var stale []string
			for id, bs := range m.sessions {
				if bs.lastUsed.Before(cutoff) {
					stale = append(stale, id)
				}
			}
			m.mu.Unlock()
			for _, id := range stale {
				m.logger.Debug("browser idle, reclaiming", "session", id)
				m.Destroy(id)
			}
		}
	}
}

// run executes chromedp actions against the session's browser, translating
// a torn-down context into ErrBrowserGone.
func (m *BrowserManager) run(ctx context.Context, sessionID string, actions ...chromedp.Action) error {
	taskCtx, err := m.acquire(sessionID)
	if err != nil {
		return err
	}
	runCtx, cancel := mergeCancel(taskCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if taskCtx.Err() != nil {
			return ErrBrowserGone
		}
		return err
	}
	return nil
}

// mergeCancel cancels the chromedp context when the caller's context ends.
func mergeCancel(taskCtx, callCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(taskCtx)
	stop := context.AfterFunc(callCtx, cancel)
	return ctx, func() { stop(); cancel() }
}

// NewBrowserTools returns the browsing tools backed by the shared manager.
func NewBrowserTools(m *BrowserManager) []Tool {
	return []Tool{
		&browserNavigateTool{m},
		&browserContentTool{m},
		&browserScreenshotTool{m},
		&browserClickTool{m},
		&browserTypeTool{m},
	}
}

// pageContent captures the current page as the sentinel-tagged JSON the
// assembler knows how to collapse once a newer capture exists.
func pageContent(ctx context.Context, m *BrowserManager, sessionID string) (string, error) {
	var url, title, text string
	err := m.run(ctx, sessionID,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.Evaluate("document.body ? document.body.innerText : ''", &text),
	)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(map[string]string{
		"type":  "browser_content",
		"url":   url,
		"title": title,
		"text":  text,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

type browserNavigateTool struct {
	m *BrowserManager
}

func (t *browserNavigateTool) Name() string { return "browser_navigate" }
func (t *browserNavigateTool) Description() string {
	return "Navigate the session browser to a URL and return the page content."
}
func (t *browserNavigateTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute URL to open.",
			},
		},
		"required": []string{"url"},
	})
}

func (t *browserNavigateTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	inv.report("navigating to " + in.URL)
	if err := t.m.run(ctx, inv.SessionID,
		chromedp.Navigate(in.URL),
		chromedp.WaitReady("body"),
	); err != nil {
		return nil, err
	}
	content, err := pageContent(ctx, t.m, inv.SessionID)
	if err != nil {
		return nil, err
	}
	return &Result{Content: content}, nil
}

type browserContentTool struct {
	m *BrowserManager
}

func (t *browserContentTool) Name() string { return "browser_get_content" }
func (t *browserContentTool) Description() string {
	return "Return the text content of the current page in the session browser."
}
func (t *browserContentTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{"type": "object", "properties": map[string]any{}})
}

func (t *browserContentTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	content, err := pageContent(ctx, t.m, inv.SessionID)
	if err != nil {
		return nil, err
	}
	return &Result{Content: content}, nil
}

type browserScreenshotTool struct {
	m *BrowserManager
}

func (t *browserScreenshotTool) Name() string { return "browser_screenshot" }
func (t *browserScreenshotTool) Description() string {
	return "Capture a screenshot of the current page."
}
func (t *browserScreenshotTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"full_page": map[string]any{
				"type":        "boolean",
				"description": "Capture the whole page instead of the viewport.",
			},
		},
	})
}

func (t *browserScreenshotTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		FullPage bool `json:"full_page"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	var buf []byte
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().Do(ctx)
		return err
	})
	if in.FullPage {
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.FullScreenshot(&buf, 90).Do(ctx)
		})
	}
	if err := t.m.run(ctx, inv.SessionID, action); err != nil {
		return nil, err
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf)
	return &Result{Content: "screenshot captured", Images: []string{dataURL}}, nil
}

type browserClickTool struct {
	m *BrowserManager
}

func (t *browserClickTool) Name() string { return "browser_click" }
func (t *browserClickTool) Description() string {
	return "Click the first element matching a CSS selector."
}
func (t *browserClickTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selector": map[string]any{
				"type":        "string",
				"description": "CSS selector of the element to click.",
			},
		},
		"required": []string{"selector"},
	})
}

func (t *browserClickTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := t.m.run(ctx, inv.SessionID,
		chromedp.WaitVisible(in.Selector, chromedp.ByQuery),
		chromedp.Click(in.Selector, chromedp.ByQuery),
	); err != nil {
		return nil, err
	}
	return &Result{Content: fmt.Sprintf("clicked %s", in.Selector)}, nil
}

type browserTypeTool struct {
	m *BrowserManager
}

func (t *browserTypeTool) Name() string { return "browser_type" }
func (t *browserTypeTool) Description() string {
	return "Type text into the first element matching a CSS selector."
}
func (t *browserTypeTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selector": map[string]any{
				"type":        "string",
				"description": "CSS selector of the input element.",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Text to type.",
			},
		},
		"required": []string{"selector", "text"},
	})
}

func (t *browserTypeTool) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var in struct {
		Selector string `json:"selector"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	if err := t.m.run(ctx, inv.SessionID,
		chromedp.WaitVisible(in.Selector, chromedp.ByQuery),
		chromedp.SendKeys(in.Selector, in.Text, chromedp.ByQuery),
	); err != nil {
		return nil, err
	}
	return &Result{Content: fmt.Sprintf("typed into %s", in.Selector)}, nil
}
