// Package storage persists sessions, messages, compaction snapshots,
// memories, and key-value settings. The Postgres implementation is the
// production store; the in-memory implementation backs tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by the approval CAS when the message is not
	// in the expected status. Exactly one of two racing approvals wins.
	ErrConflict = errors.New("conflict")
)

// ListMessagesOptions pages through a session transcript. Before limits the
// page to messages created strictly before the given time; zero means newest.
type ListMessagesOptions struct {
	Limit  int
	Before time.Time
}

// Store is the durable store interface.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// DeleteSession cascades to messages and snapshots.
	DeleteSession(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns messages in ascending CreatedAt order.
	ListMessages(ctx context.Context, sessionID string, opts ListMessagesOptions) ([]*models.Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]*models.Message, error)
	// TransitionApproval flips the approval status from to the given pair
	// atomically; ErrConflict if the message was not in `from`.
	TransitionApproval(ctx context.Context, messageID string, from, to models.ApprovalStatus) error

	// Compaction snapshots
	CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error)

	// Memories
	CreateMemory(ctx context.Context, mem *models.Memory) error
	ListMemories(ctx context.Context) ([]*models.Memory, error)
	SearchMemories(ctx context.Context, query string, limit int) ([]*models.Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	// Settings KV
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) (map[string]string, error)

	Close() error
}
