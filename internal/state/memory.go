package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/stepflow/internal/actor"
)

// Memory is a note recorded after a request. Notes without a ContextID are
// visible to every context.
type Memory struct {
	ID        string    `yaml:"id"`
	ContextID string    `yaml:"context_id,omitempty"`
	Content   string    `yaml:"content"`
	Tags      []string  `yaml:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

func (m *Memory) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// MemoryStore keeps notes in memory, scoped by the context identity in ctx.
type MemoryStore struct {
	mu       sync.RWMutex
	memories []*Memory
	dir      string
	nextID   int
}

func NewMemoryStore(dir string) *MemoryStore {
	return &MemoryStore{
		memories: make([]*Memory, 0),
		dir:      dir,
		nextID:   1,
	}
}

// Add records a note for the context in ctx.
func (s *MemoryStore) Add(ctx context.Context, content string, tags ...string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Memory{
		ID:        fmt.Sprintf("mem_%d", s.nextID),
		ContextID: actor.From(ctx).ContextID,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.memories = append(s.memories, m)
	return m, nil
}

// Search returns up to limit visible notes containing query, newest first.
// A zero limit returns every match.
func (s *MemoryStore) Search(ctx context.Context, query string, limit int) ([]*Memory, error) {
	return s.filter(ctx, limit, func(m *Memory) bool {
		return matches(m.Content, query)
	}), nil
}

func (s *MemoryStore) SearchByTag(ctx context.Context, tag string) ([]*Memory, error) {
	return s.filter(ctx, 0, func(m *Memory) bool { return m.HasTag(tag) }), nil
}

func (s *MemoryStore) filter(ctx context.Context, limit int, keep func(*Memory) bool) []*Memory {
	scope := actor.From(ctx).ContextID
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Memory
	for i := len(s.memories) - 1; i >= 0; i-- {
		m := s.memories[i]
		if m.ContextID != "" && m.ContextID != scope {
			continue
		}
		if keep(m) {
			results = append(results, m)
			if limit > 0 && len(results) == limit {
				break
			}
		}
	}
	return results
}

// matches is a case-insensitive match on any word of the query longer
// than two letters, or on the whole query when it has none.
func matches(content, query string) bool {
	lower := strings.ToLower(content)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	words := 0
	for _, w := range strings.Fields(q) {
		if len(w) <= 2 {
			continue
		}
		words++
		if strings.Contains(lower, w) {
			return true
		}
	}
	return words == 0 && strings.Contains(lower, q)
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.memories {
		if m.ID == id {
			s.memories = append(s.memories[:i], s.memories[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory %q: %w", id, ErrNotFound)
}

func (s *MemoryStore) Save() error {
	if s.dir == "" {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating memory dir: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := yaml.Marshal(s.memories)
	if err != nil {
		return fmt.Errorf("marshaling memories: %w", err)
	}

	path := filepath.Join(s.dir, "memories.yaml")
	return os.WriteFile(path, data, 0600)
}

func (s *MemoryStore) Load() error {
	if s.dir == "" {
		return nil
	}

	path := filepath.Join(s.dir, "memories.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading memories: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := yaml.Unmarshal(data, &s.memories); err != nil {
		return fmt.Errorf("parsing memories: %w", err)
	}

	maxID := 0
	for _, m := range s.memories {
		var num int
		if _, err := fmt.Sscanf(m.ID, "mem_%d", &num); err == nil && num > maxID {
			maxID = num
		}
	}
	s.nextID = maxID + 1

	return nil
}
