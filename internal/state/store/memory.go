package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/opentalon/stepflow/internal/actor"
	"github.com/opentalon/stepflow/internal/state"
)

// MemoryStore is the SQLite-backed memory store with general (context_id NULL)
// and per-context scope.
type MemoryStore struct {
	db *DB
}

func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Add records a note for the context in ctx, or a general note when ctx
// carries none. Tags are stored as JSON.
func (s *MemoryStore) Add(ctx context.Context, content string, tags ...string) (*state.Memory, error) {
	id := "mem_" + uuid.NewString()
	ts := now()
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("memory add: marshal tags: %w", err)
	}
	contextID := actor.From(ctx).ContextID
	var cid *string
	if contextID != "" {
		cid = &contextID
	}
	_, err = s.db.SQLDB().ExecContext(ctx,
		`INSERT INTO memories (id, context_id, content, tags, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, cid, content, string(tagsJSON), ts)
	if err != nil {
		return nil, fmt.Errorf("memory add: %w", err)
	}
	return &state.Memory{ID: id, ContextID: contextID, Content: content, Tags: tags, CreatedAt: parseTime(ts)}, nil
}

// Search returns up to limit visible notes that contain any word of query,
// newest first. A zero limit returns every match.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]*state.Memory, error) {
	where, args := visible(ctx)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) > 2 {
			terms = append(terms, "LOWER(content) LIKE ?")
			args = append(args, "%"+w+"%")
		}
	}
	if len(terms) == 0 && strings.TrimSpace(query) != "" {
		terms = append(terms, "LOWER(content) LIKE ?")
		args = append(args, "%"+strings.ToLower(strings.TrimSpace(query))+"%")
	}
	if len(terms) > 0 {
		where += " AND (" + strings.Join(terms, " OR ") + ")"
	}
	return s.query(ctx, where, args, limit)
}

// SearchByTag returns visible notes carrying tag.
func (s *MemoryStore) SearchByTag(ctx context.Context, tag string) ([]*state.Memory, error) {
	where, args := visible(ctx)
	// Tags are a JSON array: match the quoted element anywhere in it.
	where += " AND tags LIKE ?"
	args = append(args, `%"`+tag+`"%`)
	return s.query(ctx, where, args, 0)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.SQLDB().ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

func visible(ctx context.Context) (string, []any) {
	return "(context_id IS NULL OR context_id = ?)", []any{actor.From(ctx).ContextID}
}

func (s *MemoryStore) query(ctx context.Context, where string, args []any, limit int) ([]*state.Memory, error) {
	q := `SELECT id, context_id, content, tags, created_at FROM memories WHERE ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.SQLDB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]*state.Memory, error) {
	var out []*state.Memory
	for rows.Next() {
		var id, content, tagsJSON, createdAt string
		var contextID sql.NullString
		if err := rows.Scan(&id, &contextID, &content, &tagsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("memories scan: %w", err)
		}
		var tags []string
		if tagsJSON != "" {
			_ = json.Unmarshal([]byte(tagsJSON), &tags)
		}
		out = append(out, &state.Memory{
			ID:        id,
			ContextID: contextID.String,
			Content:   content,
			Tags:      tags,
			CreatedAt: parseTime(createdAt),
		})
	}
	return out, rows.Err()
}
