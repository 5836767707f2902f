package models

import "time"

// Memory is a durable fact the assistant has chosen to remember across
// sessions. Memories are searched with full-text matching and subject to the
// configured storage and return token budgets.
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	TokenCount int       `json:"tokenCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
