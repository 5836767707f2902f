package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/models"
)

const (
	pingInterval    = 30 * time.Second
	pongWait        = 2 * pingInterval
	writeWait       = 10 * time.Second
	requestTimeout  = 30 * time.Second
	maxRetryCount   = 10
	maxPayloadBytes = 1 << 20
	sendBuffer      = 256
)

// conn is one client connection: its negotiated handshake state, its watched
// sessions, and the stream subscriptions it owns. All writes to the socket
// funnel through the send channel.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	alive atomic.Bool

	mu         sync.Mutex
	version    int
	retryCount int
	unsubs     map[string]func()
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		server: s,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		unsubs: make(map[string]func()),
	}
	c.alive.Store(true)
	return c
}

func (c *conn) run() {
	go c.writeLoop()
	c.readLoop()
	c.teardown()
}

// teardown removes every stream subscription this connection registered and
// releases the socket. Safe to call once the read loop has exited.
func (c *conn) teardown() {
	c.cancel()
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = make(map[string]func())
	c.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	_ = c.ws.Close()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(response{OK: false, Error: "malformed request", Status: http.StatusBadRequest})
			continue
		}
		c.sendResponse(c.dispatch(&req))
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			// A pong must have arrived since the previous tick.
			if !c.alive.Swap(false) {
				_ = c.ws.Close()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// dispatch runs one request, re-attempting retryable types up to
// retryCount+1 times on server-side failures.
func (c *conn) dispatch(req *request) response {
	attempts := 1
	if retryable[req.Type] {
		attempts = c.negotiatedRetries() + 1
	}

	var resp response
	for attempt := 0; attempt < attempts; attempt++ {
		resp = c.handleOnce(req)
		if resp.OK || resp.Status < http.StatusInternalServerError {
			break
		}
	}

	outcome := "ok"
	if !resp.OK {
		outcome = "error"
	}
	metricRequests.WithLabelValues(req.Type, outcome).Inc()
	return resp
}

func (c *conn) handleOnce(req *request) response {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	data, err := c.handle(ctx, req)
	if err != nil {
		return response{Seq: req.Seq, OK: false, Error: err.Error(), Status: statusFor(err)}
	}
	return response{Seq: req.Seq, OK: true, Data: data}
}

func (c *conn) negotiatedRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

func (c *conn) setHandshake(version, retryCount int) {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > maxRetryCount {
		retryCount = maxRetryCount
	}
	c.mu.Lock()
	c.version = version
	c.retryCount = retryCount
	c.mu.Unlock()
}

// subscribeEntry attaches this connection to a stream entry, replacing any
// earlier subscription for the same session.
func (c *conn) subscribeEntry(sessionID string, entry *stream.Entry) {
	unsub := entry.Subscribe(func(ev models.Event) {
		c.sendPush(sessionID, ev)
	})
	c.mu.Lock()
	if prev := c.unsubs[sessionID]; prev != nil {
		prev()
	}
	c.unsubs[sessionID] = unsub
	c.mu.Unlock()
}

func (c *conn) sendResponse(resp response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *conn) sendPush(sessionID string, ev models.Event) {
	raw, err := json.Marshal(pushFrame{Push: true, SessionID: sessionID, Event: ev})
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// enqueue drops the frame when the outbound buffer is full rather than block
// a broadcast on one slow client.
func (c *conn) enqueue(raw []byte) {
	select {
	case c.send <- raw:
	case <-c.ctx.Done():
	default:
		c.server.logger.Warn("gateway send buffer full, dropping frame")
	}
}
