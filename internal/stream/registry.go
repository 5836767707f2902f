// Package stream holds the in-memory registry of per-session streaming
// state. It decouples provider-side producers from gateway-side consumers:
// entries outlive client disconnects, support mid-stream reattachment via
// snapshots, and are torn down on a grace timer so a reconnecting client can
// still catch the terminal events.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parleyhq/parley/pkg/models"
)

// DefaultRemovalDelay is the grace period between a terminal event and entry
// removal.
const DefaultRemovalDelay = 5 * time.Second

var (
	metricStreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_streams_started_total",
		Help: "Stream entries created.",
	})
	metricEventsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_stream_events_total",
		Help: "Events fanned out through the stream registry.",
	})
	metricActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_streams_active",
		Help: "Stream entries currently held in the registry.",
	})
)

// Registry maps session identifiers to their single live stream entry.
// It performs no I/O; persistence ordering is the tool loop's concern.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	generation   atomic.Uint64
	removalDelay time.Duration
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRemovalDelay overrides the deferred-removal grace period.
func WithRemovalDelay(d time.Duration) Option {
	return func(r *Registry) { r.removalDelay = d }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:      make(map[string]*Entry),
		removalDelay: DefaultRemovalDelay,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create installs a fresh entry for the session, atomically replacing any
// prior one. The replaced entry's cancellation signal fires so a loop still
// running against it stops mutating shared state.
func (r *Registry) Create(sessionID, assistantID, model string) *Entry {
	gen := r.generation.Add(1)
	entry := newEntry(sessionID, assistantID, model, gen)

	r.mu.Lock()
	prior := r.entries[sessionID]
	r.entries[sessionID] = entry
	r.mu.Unlock()

	if prior != nil {
		prior.cancel()
		prior.clearSubscribers()
	} else {
		metricActiveStreams.Inc()
	}
	metricStreamsStarted.Inc()
	r.logger.Debug("stream created", "session", sessionID, "assistant", assistantID, "generation", gen)
	return entry
}

// Get returns the session's entry, or nil.
func (r *Registry) Get(sessionID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[sessionID]
}

// Push folds the event into the entry's state and delivers it to every
// subscriber synchronously, in registration order. Pushing to an absent
// session is a no-op. A panicking subscriber does not starve the others.
func (r *Registry) Push(sessionID string, ev models.Event) {
	r.mu.Lock()
	entry := r.entries[sessionID]
	r.mu.Unlock()
	if entry == nil {
		return
	}

	subs := entry.apply(ev)
	metricEventsPushed.Inc()
	for _, sub := range subs {
		r.deliver(sessionID, sub, ev)
	}
}

func (r *Registry) deliver(sessionID string, sub subscription, ev models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("stream subscriber panicked", "session", sessionID, "event", ev.Type, "panic", rec)
		}
	}()
	sub.fn(ev)
}

// Continue begins the next round within the same stream: accumulated content,
// tool calls, error, usage, request payload, and the done flag reset; the
// aborted flag, subscribers, and the cancellation signal carry over. Returns
// nil if the session has no entry.
func (r *Registry) Continue(sessionID, assistantID string) *Entry {
	r.mu.Lock()
	entry := r.entries[sessionID]
	r.mu.Unlock()
	if entry == nil {
		return nil
	}
	entry.reset(assistantID)
	r.logger.Debug("stream continued", "session", sessionID, "assistant", assistantID)
	return entry
}

// Remove drops the entry immediately and clears its subscribers.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	entry := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()
	if entry == nil {
		return
	}
	entry.cancel()
	entry.clearSubscribers()
	metricActiveStreams.Dec()
	r.logger.Debug("stream removed", "session", sessionID, "generation", entry.Generation)
}

// ScheduleRemoval arms the grace timer. The generation captured now is
// compared when the timer fires: if a newer entry replaced this one in the
// meantime, the removal is a no-op for that session.
func (r *Registry) ScheduleRemoval(sessionID string) {
	r.mu.Lock()
	entry := r.entries[sessionID]
	r.mu.Unlock()
	if entry == nil {
		return
	}
	gen := entry.Generation

	time.AfterFunc(r.removalDelay, func() {
		r.mu.Lock()
		current := r.entries[sessionID]
		if current == nil || current.Generation != gen {
			r.mu.Unlock()
			return
		}
		delete(r.entries, sessionID)
		r.mu.Unlock()
		current.cancel()
		current.clearSubscribers()
		metricActiveStreams.Dec()
		r.logger.Debug("stream reaped", "session", sessionID, "generation", gen)
	})
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
