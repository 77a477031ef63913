package provider

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownModel    = errors.New("unknown model")
)

// Registry maps provider ids to clients and resolves "provider/model"
// references against what each provider declares.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) error {
	id := p.ID()
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("invalid provider id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	return nil
}

func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Resolve returns the provider serving ref. A provider that declares no
// models accepts any model id; one that does must list ref's.
func (r *Registry) Resolve(ref ModelRef) (Provider, error) {
	p, err := r.Get(ref.Provider())
	if err != nil {
		return nil, err
	}
	models := p.Models()
	if len(models) == 0 {
		return p, nil
	}
	for _, m := range models {
		if m.ID == ref.Model() {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownModel, ref.String())
}

// List returns the providers ordered by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Provider) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// Refs lists every declared model as a reference, ordered by provider.
func (r *Registry) Refs() []ModelRef {
	var refs []ModelRef
	for _, p := range r.List() {
		for _, m := range p.Models() {
			refs = append(refs, NewModelRef(p.ID(), m.ID))
		}
	}
	return refs
}
