// Package state holds conversations, pending human-input records and memory
// notes. The types here are shared by the in-memory stores in this package
// and the SQLite stores in state/store.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/stepflow/internal/provider"
)

var ErrNotFound = errors.New("not found")

// Ref identifies the conversation a request belongs to. An empty
// ConversationID starts a new conversation.
type Ref struct {
	ConversationID string
	ContextID      string
	UserID         string
}

type Conversation struct {
	ID        string             `yaml:"id"`
	ContextID string             `yaml:"context_id,omitempty"`
	UserID    string             `yaml:"user_id,omitempty"`
	History   []provider.Message `yaml:"messages"`
	// Pending is the serialized suspension of a paused skill, if any.
	Pending   json.RawMessage `yaml:"-"`
	PendingAt time.Time       `yaml:"pending_at,omitempty"`
	CreatedAt time.Time       `yaml:"created_at"`
	UpdatedAt time.Time       `yaml:"updated_at"`
}

// conversationFile is the on-disk form; yaml cannot hold raw JSON bytes
// directly.
type conversationFile struct {
	Conversation `yaml:",inline"`
	PendingJSON  string `yaml:"pending,omitempty"`
}

// Commit is one atomic write to a conversation.
type Commit struct {
	Messages     []provider.Message
	Pending      json.RawMessage
	ClearPending bool
}

// ConversationStore keeps conversations in memory. With a directory set,
// every commit is also written to dir/<id>.yaml.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	dir           string
}

func NewConversationStore(dir string) *ConversationStore {
	return &ConversationStore{
		conversations: make(map[string]*Conversation),
		dir:           dir,
	}
}

// Open returns the referenced conversation, creating it when needed.
// The returned value is a copy.
func (s *ConversationStore) Open(_ context.Context, ref Ref) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ref.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	c, ok := s.conversations[id]
	if !ok && s.dir != "" {
		loaded, err := s.read(id)
		switch {
		case err == nil:
			c, ok = loaded, true
			s.conversations[id] = c
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	if !ok {
		now := time.Now()
		c = &Conversation{
			ID:        id,
			ContextID: ref.ContextID,
			UserID:    ref.UserID,
			History:   make([]provider.Message, 0),
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.conversations[id] = c
	}
	return clone(c), nil
}

func (s *ConversationStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return clone(c), nil
}

func (s *ConversationStore) Commit(_ context.Context, id string, commit Commit) error {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	c.History = append(c.History, commit.Messages...)
	switch {
	case commit.Pending != nil:
		c.Pending = append(json.RawMessage(nil), commit.Pending...)
		c.PendingAt = time.Now()
	case commit.ClearPending:
		c.Pending = nil
		c.PendingAt = time.Time{}
	}
	c.UpdatedAt = time.Now()
	snapshot := clone(c)
	s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	return s.save(snapshot)
}

func (s *ConversationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	if s.dir != "" {
		if err := os.Remove(filepath.Join(s.dir, id+".yaml")); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// List returns conversation ids sorted by last update, newest first.
func (s *ConversationStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.ID
	}
	return ids, nil
}

// PruneIdle deletes conversations not updated since before.
func (s *ConversationStore) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	s.mu.RLock()
	var stale []string
	for id, c := range s.conversations {
		if c.UpdatedAt.Before(before) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// ExpirePending drops pending records created before the cutoff.
func (s *ConversationStore) ExpirePending(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversations {
		if c.Pending != nil && c.PendingAt.Before(before) {
			c.Pending = nil
			c.PendingAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *ConversationStore) save(c *Conversation) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating conversations dir: %w", err)
	}
	data, err := yaml.Marshal(conversationFile{Conversation: *c, PendingJSON: string(c.Pending)})
	if err != nil {
		return fmt.Errorf("marshaling conversation: %w", err)
	}
	return os.WriteFile(filepath.Join(s.dir, c.ID+".yaml"), data, 0600)
}

// Load reads a saved conversation from the store directory. Open does
// this on demand.
func (s *ConversationStore) Load(id string) error {
	c, err := s.read(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = c
	return nil
}

func (s *ConversationStore) read(id string) (*Conversation, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("reading conversation file: %w", err)
	}
	var f conversationFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing conversation %s: %w", id, err)
	}
	c := f.Conversation
	if f.PendingJSON != "" {
		c.Pending = json.RawMessage(f.PendingJSON)
	}
	return &c, nil
}

func clone(c *Conversation) *Conversation {
	cp := *c
	cp.History = append([]provider.Message(nil), c.History...)
	if c.Pending != nil {
		cp.Pending = append(json.RawMessage(nil), c.Pending...)
	}
	return &cp
}
