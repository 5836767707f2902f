package models

import "encoding/json"

// EventType identifies an event in the stream envelope. The set is closed:
// gateway clients and stream subscribers receive exactly these tags, and the
// payload shape per tag is part of the wire contract.
type EventType string

const (
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventUsage             EventType = "usage"
	EventDebug             EventType = "debug"
	EventDone              EventType = "done"
	EventError             EventType = "error"
	EventSnapshot          EventType = "snapshot"
	EventCompaction        EventType = "compaction"
	EventCompactionStarted EventType = "compaction_started"
	EventCompactionError   EventType = "compaction_error"
	EventAutoApproved      EventType = "auto_approved"
	EventApprovalChanged   EventType = "approval_changed"
	EventSessionCreated    EventType = "session_created"
	EventSessionUpdated    EventType = "session_updated"
	EventSessionDeleted    EventType = "session_deleted"
	EventSettingsChanged   EventType = "settings_changed"
	EventNewMessage        EventType = "new_message"
	EventMemoryChanged     EventType = "memory_changed"
)

// DebugDirection distinguishes request captures from response captures.
type DebugDirection string

const (
	DebugRequest  DebugDirection = "request"
	DebugResponse DebugDirection = "response"
)

// DebugPayload carries the raw provider request or response for UI display.
type DebugPayload struct {
	Direction DebugDirection  `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
}

// DonePayload terminates a streaming round.
type DonePayload struct {
	MessageID    string `json:"messageId,omitempty"`
	HasToolCalls bool   `json:"hasToolCalls"`
}

// ErrorPayload carries a classified stream error. Kind values are defined by
// the provider error taxonomy; Message preserves the original error text.
type ErrorPayload struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// StreamSnapshot is the catch-up payload sent to a subscriber that attaches
// mid-stream: everything accumulated so far in the current round.
type StreamSnapshot struct {
	AssistantID string     `json:"assistantId"`
	Model       string     `json:"model"`
	Content     string     `json:"content"`
	ToolCalls   []ToolCall `json:"toolCalls"`
	Done        bool       `json:"done"`
	Aborted     bool       `json:"aborted"`
}

// ApprovalPayload announces an approval transition for an assistant message.
type ApprovalPayload struct {
	MessageID string         `json:"messageId"`
	Status    ApprovalStatus `json:"status"`
}

// Event is the tagged union streamed to subscribers and pushed to gateway
// clients. Exactly one payload field is set for the payload-carrying tags;
// Type alone is meaningful for the marker tags (compaction_started,
// settings_changed, ...).
type Event struct {
	Type EventType `json:"type"`

	Token      string           `json:"token,omitempty"`
	ToolCall   *ToolCall        `json:"toolCall,omitempty"`
	ToolResult *ToolResult      `json:"toolResult,omitempty"`
	Usage      *Usage           `json:"usage,omitempty"`
	Debug      *DebugPayload    `json:"debug,omitempty"`
	Done       *DonePayload     `json:"done,omitempty"`
	Error      *ErrorPayload    `json:"error,omitempty"`
	Snapshot   *StreamSnapshot  `json:"snapshot,omitempty"`
	Approval   *ApprovalPayload `json:"approval,omitempty"`
	Session    *Session         `json:"session,omitempty"`
	Message    *Message         `json:"message,omitempty"`

	// Data carries free-form payloads for tags without a dedicated field
	// (compaction results, memory changes).
	Data json.RawMessage `json:"data,omitempty"`
}
