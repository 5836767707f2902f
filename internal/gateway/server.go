// Package gateway serves the WebSocket control channel: sequenced
// request/response demux, push-event fan-out, per-session watcher sets, and
// the bounded server-side retry loop negotiated at handshake.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parleyhq/parley/internal/compaction"
	"github.com/parleyhq/parley/internal/loop"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/sessionfiles"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_gateway_connections",
		Help: "Currently open WebSocket connections.",
	})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_requests_total",
		Help: "Handled gateway requests by type and outcome.",
	}, []string{"type", "outcome"})
)

// Deps wires the gateway to the rest of the process.
type Deps struct {
	Store     storage.Store
	Streams   *stream.Registry
	Loop      *loop.Loop
	Providers *provider.Registry
	Tools     *tools.Registry
	Settings  *settings.Service
	Compactor *compaction.Engine
	Files     *sessionfiles.Store
	Browsers  *tools.BrowserManager
	Logger    *slog.Logger
}

// Server owns the connection set and the per-session watcher index.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	watchers map[string]map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:    make(map[*conn]struct{}),
		watchers: make(map[string]map[*conn]struct{}),
	}

	// Settings writes broadcast globally once the store commit lands.
	deps.Settings.OnChange(func(key, value string) {
		data, _ := json.Marshal(map[string]string{"key": key, "value": value})
		s.BroadcastGlobal(models.Event{Type: models.EventSettingsChanged, Data: data})
	})
	return s
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(s, ws)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	metricConnections.Inc()

	c.run()

	s.removeConn(c)
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	for id, set := range s.watchers {
		delete(set, c)
		if len(set) == 0 {
			delete(s.watchers, id)
		}
	}
	s.mu.Unlock()
	metricConnections.Dec()
}

func (s *Server) watch(c *conn, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.watchers[sessionID]
	if set == nil {
		set = make(map[*conn]struct{})
		s.watchers[sessionID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) unwatch(c *conn, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.watchers[sessionID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.watchers, sessionID)
		}
	}
}

// BroadcastSession delivers an event to every connection watching the
// session, except the originator when one is given.
func (s *Server) BroadcastSession(sessionID string, ev models.Event, except *conn) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.watchers[sessionID]))
	for c := range s.watchers[sessionID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.sendPush(sessionID, ev)
	}
}

// BroadcastGlobal delivers an event to every open connection.
func (s *Server) BroadcastGlobal(ev models.Event) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.sendPush("", ev)
	}
}
