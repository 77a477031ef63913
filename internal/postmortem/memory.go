package postmortem

import (
	"context"
	"sync"
)

// MemoryWeightStore keeps weights in process.
type MemoryWeightStore struct {
	mu      sync.Mutex
	weights map[[2]string]*Weight
}

func NewMemoryWeightStore() *MemoryWeightStore {
	return &MemoryWeightStore{weights: make(map[[2]string]*Weight)}
}

func (m *MemoryWeightStore) Accumulate(_ context.Context, contextID, skill string, s Signal, maxSignals int) (Weight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{contextID, skill}
	w, ok := m.weights[key]
	if !ok {
		w = &Weight{ContextID: contextID, Skill: skill}
		m.weights[key] = w
	}
	w.Accumulated += s.Weight
	w.Signals = append(w.Signals, s)
	if maxSignals > 0 && len(w.Signals) > maxSignals {
		w.Signals = append([]Signal(nil), w.Signals[len(w.Signals)-maxSignals:]...)
	}
	out := *w
	out.Signals = append([]Signal(nil), w.Signals...)
	return out, nil
}

func (m *MemoryWeightStore) Reset(_ context.Context, contextID, skill string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.weights, [2]string{contextID, skill})
	return nil
}

// Get returns the current weight, zero when none was recorded.
func (m *MemoryWeightStore) Get(contextID, skill string) Weight {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.weights[[2]string{contextID, skill}]; ok {
		out := *w
		out.Signals = append([]Signal(nil), w.Signals...)
		return out
	}
	return Weight{ContextID: contextID, Skill: skill}
}
