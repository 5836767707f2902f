package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/parleyhq/parley/pkg/models"
)

// Subscriber receives every event pushed to an entry, in push order.
// Subscribers are owned by the connection that registered them and must be
// removed on disconnect via the function returned from Subscribe.
type Subscriber func(ev models.Event)

type subscription struct {
	id int64
	fn Subscriber
}

// Entry is the ephemeral streaming state for one session turn. All mutation
// goes through the registry or the exported methods; the zero value is not
// usable.
type Entry struct {
	SessionID string

	// Generation is a process-wide monotonic stamp assigned at create
	// time. Deferred removals compare it to avoid tearing down a newer
	// entry that replaced this one.
	Generation uint64

	mu           sync.Mutex
	assistantID  string
	model        string
	content      strings.Builder
	toolCalls    []models.ToolCall
	hasToolCalls bool
	done         bool
	aborted      bool
	err          *models.ErrorPayload
	usage        *models.Usage
	request      json.RawMessage
	subs         []subscription
	nextSubID    int64

	ctx    context.Context
	cancel context.CancelFunc
}

func newEntry(sessionID, assistantID, model string, generation uint64) *Entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Entry{
		SessionID:   sessionID,
		Generation:  generation,
		assistantID: assistantID,
		model:       model,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Context is cancelled when the stream is aborted or the entry replaced.
// Provider calls and tool executions run under it.
func (e *Entry) Context() context.Context { return e.ctx }

// AssistantID returns the assistant message identifier of the current round.
func (e *Entry) AssistantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assistantID
}

// Model returns the model selected for this stream.
func (e *Entry) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// Content returns the accumulated assistant text for the current round.
func (e *Entry) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content.String()
}

// ToolCalls returns a copy of the accumulated tool calls.
func (e *Entry) ToolCalls() []models.ToolCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ToolCall(nil), e.toolCalls...)
}

// Done reports whether the current round has terminated.
func (e *Entry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// HasToolCalls reports whether the round produced tool calls.
func (e *Entry) HasToolCalls() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasToolCalls
}

// Aborted reports whether the user interrupted the stream.
func (e *Entry) Aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// Err returns the classified stream error, if any.
func (e *Entry) Err() *models.ErrorPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Usage returns the provider-reported usage, if any.
func (e *Entry) Usage() *models.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// RequestPayload returns the captured provider request for this round.
func (e *Entry) RequestPayload() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.request
}

// Interrupt appends the sentinel to the accumulated content, marks the entry
// aborted, and fires the cancellation signal. The sentinel lands before the
// flag is observable, so the persisted message contains it.
func (e *Entry) Interrupt(sentinel string) {
	e.mu.Lock()
	if !e.aborted {
		if sentinel != "" {
			e.content.WriteString(sentinel)
		}
		e.aborted = true
	}
	e.mu.Unlock()
	e.cancel()
}

// Subscribe registers a callback and returns its removal function. The
// callback immediately starts receiving every subsequent push, in order.
func (e *Entry) Subscribe(fn Subscriber) func() {
	e.mu.Lock()
	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscription{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, sub := range e.subs {
			if sub.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (e *Entry) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Snapshot builds the catch-up payload for a subscriber attaching mid-round.
func (e *Entry) Snapshot() *models.StreamSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &models.StreamSnapshot{
		AssistantID: e.assistantID,
		Model:       e.model,
		Content:     e.content.String(),
		ToolCalls:   append([]models.ToolCall(nil), e.toolCalls...),
		Done:        e.done,
		Aborted:     e.aborted,
	}
}

// apply folds an event into the accumulated state and returns the subscriber
// list to notify. Token text is dropped once aborted; tool calls and terminal
// events still land so a reconnecting client can render the final state.
// First done/error wins.
func (e *Entry) apply(ev models.Event) []subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case models.EventToken:
		if !e.aborted && !e.done {
			e.content.WriteString(ev.Token)
		}
	case models.EventToolCall:
		if ev.ToolCall != nil {
			e.toolCalls = append(e.toolCalls, *ev.ToolCall)
			if !e.aborted {
				e.hasToolCalls = true
			}
		}
	case models.EventUsage:
		e.usage = ev.Usage
	case models.EventDebug:
		if ev.Debug != nil && ev.Debug.Direction == models.DebugRequest {
			e.request = ev.Debug.Payload
		}
	case models.EventDone:
		if !e.done {
			e.done = true
			if ev.Done != nil && !e.aborted {
				e.hasToolCalls = ev.Done.HasToolCalls
			}
		}
	case models.EventError:
		if !e.done {
			e.done = true
			e.err = ev.Error
		}
	}

	// Copy-on-iterate keeps delivery safe against subscribe/unsubscribe
	// from inside a callback.
	return append([]subscription(nil), e.subs...)
}

// reset begins a new round in the same stream: accumulated state clears,
// subscribers and the aborted flag carry over.
func (e *Entry) reset(assistantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assistantID = assistantID
	e.content.Reset()
	e.toolCalls = nil
	e.hasToolCalls = false
	e.done = false
	e.err = nil
	e.usage = nil
	e.request = nil
}

func (e *Entry) clearSubscribers() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}
