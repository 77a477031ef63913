package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/stepflow/internal/provider"
	"github.com/opentalon/stepflow/internal/state"
)

// ConversationStore is the SQLite-backed conversation store. Messages are
// stored one row each, ordered by a per-conversation sequence number.
type ConversationStore struct {
	db *DB
}

func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// tsLayout is fixed width so stored timestamps compare as strings.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func now() string { return formatTime(time.Now()) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

// Open loads the referenced conversation, inserting it first when it does
// not exist.
func (s *ConversationStore) Open(ctx context.Context, ref state.Ref) (*state.Conversation, error) {
	id := ref.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	ts := now()
	_, err := s.db.SQLDB().ExecContext(ctx,
		`INSERT INTO conversations (id, context_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, ref.ContextID, ref.UserID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("conversation open: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*state.Conversation, error) {
	var c state.Conversation
	var pending, pendingAt sql.NullString
	var createdAt, updatedAt string
	err := s.db.SQLDB().QueryRowContext(ctx,
		`SELECT id, context_id, user_id, pending, pending_at, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.ContextID, &c.UserID, &pending, &pendingAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, state.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation get: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	if pending.Valid && pending.String != "" {
		c.Pending = json.RawMessage(pending.String)
		c.PendingAt = parseTime(pendingAt.String)
	}
	c.History, err = s.history(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *ConversationStore) history(ctx context.Context, id string) ([]provider.Message, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx,
		`SELECT role, content, name, tool_calls, tool_call_id FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	msgs := make([]provider.Message, 0)
	for rows.Next() {
		var m provider.Message
		var role, calls string
		if err := rows.Scan(&role, &m.Content, &m.Name, &calls, &m.ToolCallID); err != nil {
			return nil, fmt.Errorf("conversation history scan: %w", err)
		}
		m.Role = provider.Role(role)
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("conversation history: tool calls: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Commit appends messages and updates the pending record in one
// transaction.
func (s *ConversationStore) Commit(ctx context.Context, id string, c state.Commit) error {
	tx, err := s.db.SQLDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation commit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("conversation commit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %q: %w", id, state.ErrNotFound)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, id).Scan(&seq); err != nil {
		return fmt.Errorf("conversation commit: seq: %w", err)
	}
	for _, m := range c.Messages {
		seq++
		calls := ""
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("conversation commit: marshal tool calls: %w", err)
			}
			calls = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, role, content, name, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, seq, string(m.Role), m.Content, m.Name, calls, m.ToolCallID, ts); err != nil {
			return fmt.Errorf("conversation commit: insert message: %w", err)
		}
	}

	switch {
	case c.Pending != nil:
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET pending = ?, pending_at = ? WHERE id = ?`, string(c.Pending), ts, id)
	case c.ClearPending:
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET pending = NULL, pending_at = NULL WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("conversation commit: pending: %w", err)
	}
	return tx.Commit()
}

func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.SQLDB().ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// List returns conversation ids, most recently updated first.
func (s *ConversationStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx, `SELECT id FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneIdle deletes conversations not updated since before. Their messages
// go with them.
func (s *ConversationStore) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.SQLDB().ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpirePending clears pending records created before the cutoff.
func (s *ConversationStore) ExpirePending(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.SQLDB().ExecContext(ctx,
		`UPDATE conversations SET pending = NULL, pending_at = NULL WHERE pending IS NOT NULL AND pending_at < ?`,
		formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("expire pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
