package models

import "time"

// CompactionSnapshot records one compaction of a session: the generated
// summary plus the identifiers of the messages kept verbatim after it.
// Snapshots are immutable once written; a session points at most at one
// active snapshot, older ones are retained for audit.
type CompactionSnapshot struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`

	Summary       string `json:"summary"`
	SummaryTokens int    `json:"summaryTokens"`

	// VerbatimIDs lists the messages preserved verbatim, in stored order.
	VerbatimIDs    []string `json:"verbatimIds"`
	VerbatimTokens int      `json:"verbatimTokens"`

	// TriggerTokens is the session's total token count when the snapshot
	// was created.
	TriggerTokens int `json:"triggerTokens"`

	// Model identifies the model that generated the summary.
	Model string `json:"model"`

	CreatedAt time.Time `json:"createdAt"`
}
