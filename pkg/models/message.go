package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleCompaction Role = "compaction"
)

// ApprovalStatus tracks the lifecycle of an assistant message that carries
// tool calls. It is empty for messages without tool calls.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// ToolCall represents an LLM's request to execute a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the output of a single tool call.
type ToolResult struct {
	ToolCallID string   `json:"toolCallId"`
	Content    string   `json:"content"`
	IsError    bool     `json:"isError,omitempty"`
	Images     []string `json:"images,omitempty"`
}

// Usage carries provider-reported token counts for one turn.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Message is a single persisted transcript entry. Messages are ordered by
// CreatedAt within a session; a tool_result message's results always reference
// tool calls from an earlier assistant message in the same session.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`

	// Images holds attachment references (session-file names) for
	// multi-modal user input.
	Images []string `json:"images,omitempty"`

	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`

	// ApprovalStatus only applies to assistant messages with tool calls.
	ApprovalStatus ApprovalStatus `json:"approvalStatus,omitempty"`

	// RequestPayload and ResponsePayload are debug captures of what was
	// sent to and received from the provider for this turn.
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`

	// TokenCount is estimated with the local tokenizer; RawTokenCount is
	// the value the provider reported, when available.
	TokenCount    int `json:"tokenCount,omitempty"`
	RawTokenCount int `json:"rawTokenCount,omitempty"`

	// SnapshotID links a compaction message to its snapshot. Legacy
	// compaction messages carry only VerbatimCount.
	SnapshotID    string `json:"snapshotId,omitempty"`
	VerbatimCount int    `json:"verbatimCount,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// HasToolCalls reports whether the message requests any tool executions.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}

// Session represents a conversation thread.
type Session struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	AutoApprove bool   `json:"autoApprove"`

	// Model is the selected model in "provider:model_id" form.
	Model string `json:"model"`

	// ActiveSnapshotID points at the compaction snapshot currently used
	// for prompt assembly, if any.
	ActiveSnapshotID string `json:"activeSnapshotId,omitempty"`

	// TotalTokens is the cached token total reported by the last turn.
	TotalTokens int `json:"totalTokens"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
