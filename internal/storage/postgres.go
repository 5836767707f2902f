package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/parleyhq/parley/pkg/models"
)

const messageColumns = `id, session_id, role, content, images, tool_calls, tool_results,
	approval_status, request_payload, response_payload, token_count, raw_token_count,
	snapshot_id, verbatim_count, created_at`

// PostgresStore implements Store on Postgres via DATABASE_URL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool defaults suitable for a single process.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore opens the database, verifies connectivity, and applies
// migrations.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection without migrating.
// Used by tests driving the store through sqlmock.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying connection for related stores.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, auto_approve, model, active_snapshot_id, total_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.Title, session.AutoApprove, session.Model,
		session.ActiveSnapshotID, session.TotalTokens, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, auto_approve, model, active_snapshot_id, total_tokens, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, auto_approve, model, active_snapshot_id, total_tokens, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = $1, auto_approve = $2, model = $3,
			active_snapshot_id = $4, total_tokens = $5, updated_at = $6
		WHERE id = $7`,
		session.Title, session.AutoApprove, session.Model,
		session.ActiveSnapshotID, session.TotalTokens, session.UpdatedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res)
}

// --- messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	images, err := marshalJSON(msg.Images)
	if err != nil {
		return err
	}
	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, images, tool_calls, tool_results,
			approval_status, request_payload, response_payload, token_count, raw_token_count,
			snapshot_id, verbatim_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, images, toolCalls, toolResults,
		msg.ApprovalStatus, nullRaw(msg.RequestPayload), nullRaw(msg.ResponsePayload),
		msg.TokenCount, msg.RawTokenCount, msg.SnapshotID, msg.VerbatimCount, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content = $1, tool_calls = $2, tool_results = $3,
			approval_status = $4, request_payload = $5, response_payload = $6,
			token_count = $7, raw_token_count = $8
		WHERE id = $9`,
		msg.Content, toolCalls, toolResults, msg.ApprovalStatus,
		nullRaw(msg.RequestPayload), nullRaw(msg.ResponsePayload),
		msg.TokenCount, msg.RawTokenCount, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, opts ListMessagesOptions) ([]*models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1 << 30
	}

	var rows *sql.Rows
	var err error
	if opts.Before.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE session_id = $1
				ORDER BY created_at DESC LIMIT $2
			) page ORDER BY created_at ASC`, sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM messages
				WHERE session_id = $1 AND created_at < $2
				ORDER BY created_at DESC LIMIT $3
			) page ORDER BY created_at ASC`, sessionID, opts.Before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SearchMessages runs full-text search first and falls back to trigram
// similarity when FTS finds nothing (short or misspelled queries).
func (s *PostgresStore) SearchMessages(ctx context.Context, query string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE content_tsv @@ websearch_to_tsquery('english', $1)
		ORDER BY ts_rank(content_tsv, websearch_to_tsquery('english', $1)) DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	msgs, err := collectAndClose(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		return msgs, nil
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE similarity(content, $1) > 0.1
		ORDER BY similarity(content, $1) DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages (trigram): %w", err)
	}
	return collectAndClose(rows)
}

// TransitionApproval is the single conditional update fencing concurrent
// approvals: zero affected rows means another client won the race.
func (s *PostgresStore) TransitionApproval(ctx context.Context, messageID string, from, to models.ApprovalStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET approval_status = $1
		WHERE id = $2 AND approval_status = $3`,
		to, messageID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to transition approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// --- snapshots ---

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.CompactionSnapshot) error {
	verbatim, err := marshalJSON(snap.VerbatimIDs)
	if err != nil {
		return err
	}
	if verbatim == nil {
		verbatim = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO compaction_snapshots (id, session_id, summary, summary_tokens,
			verbatim_ids, verbatim_tokens, trigger_tokens, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snap.ID, snap.SessionID, snap.Summary, snap.SummaryTokens,
		verbatim, snap.VerbatimTokens, snap.TriggerTokens, snap.Model, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*models.CompactionSnapshot, error) {
	var snap models.CompactionSnapshot
	var verbatim []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, summary, summary_tokens, verbatim_ids,
			verbatim_tokens, trigger_tokens, model, created_at
		FROM compaction_snapshots WHERE id = $1`, id).Scan(
		&snap.ID, &snap.SessionID, &snap.Summary, &snap.SummaryTokens, &verbatim,
		&snap.VerbatimTokens, &snap.TriggerTokens, &snap.Model, &snap.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if err := json.Unmarshal(verbatim, &snap.VerbatimIDs); err != nil {
		return nil, fmt.Errorf("failed to decode verbatim ids: %w", err)
	}
	return &snap, nil
}

// --- memories ---

func (s *PostgresStore) CreateMemory(ctx context.Context, mem *models.Memory) error {
	tags, err := marshalJSON(mem.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, tags, token_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		mem.ID, mem.Content, tags, mem.TokenCount, mem.CreatedAt, mem.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMemories(ctx context.Context) ([]*models.Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, tags, token_count, created_at, updated_at
		FROM memories ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *PostgresStore) SearchMemories(ctx context.Context, query string, limit int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, tags, token_count, created_at, updated_at
		FROM memories
		WHERE content_tsv @@ websearch_to_tsquery('english', $1)
		ORDER BY ts_rank(content_tsv, websearch_to_tsquery('english', $1)) DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	mems, err := collectMemoriesAndClose(rows)
	if err != nil {
		return nil, err
	}
	if len(mems) > 0 {
		return mems, nil
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, content, tags, token_count, created_at, updated_at
		FROM memories
		WHERE similarity(content, $1) > 0.1
		ORDER BY similarity(content, $1) DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories (trigram): %w", err)
	}
	return collectMemoriesAndClose(rows)
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return requireRow(res)
}

// --- settings ---

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (s *PostgresStore) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.AutoApprove, &sess.Model,
		&sess.ActiveSnapshotID, &sess.TotalTokens, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &sess, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var images, toolCalls, toolResults, reqPayload, respPayload []byte
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content,
		&images, &toolCalls, &toolResults, &msg.ApprovalStatus,
		&reqPayload, &respPayload, &msg.TokenCount, &msg.RawTokenCount,
		&msg.SnapshotID, &msg.VerbatimCount, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if err := unmarshalJSON(images, &msg.Images); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(toolCalls, &msg.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(toolResults, &msg.ToolResults); err != nil {
		return nil, err
	}
	msg.RequestPayload = json.RawMessage(reqPayload)
	msg.ResponsePayload = json.RawMessage(respPayload)
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func collectAndClose(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	return collectMessages(rows)
}

func collectMemories(rows *sql.Rows) ([]*models.Memory, error) {
	var out []*models.Memory
	for rows.Next() {
		var mem models.Memory
		var tags []byte
		if err := rows.Scan(&mem.ID, &mem.Content, &tags, &mem.TokenCount,
			&mem.CreatedAt, &mem.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if err := unmarshalJSON(tags, &mem.Tags); err != nil {
			return nil, err
		}
		out = append(out, &mem)
	}
	return out, rows.Err()
}

func collectMemoriesAndClose(rows *sql.Rows) ([]*models.Memory, error) {
	defer rows.Close()
	return collectMemories(rows)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
