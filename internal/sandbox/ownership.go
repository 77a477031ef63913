package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAccessDenied = errors.New("access denied")

// OwnershipChecker decides whether a user may act inside a context
// (tenant, workspace).
type OwnershipChecker interface {
	Owns(ctx context.Context, contextID, userID string) (bool, error)
}

type OwnershipFunc func(ctx context.Context, contextID, userID string) (bool, error)

func (f OwnershipFunc) Owns(ctx context.Context, contextID, userID string) (bool, error) {
	return f(ctx, contextID, userID)
}

// OwnershipCache remembers ownership decisions per (context, user) pair.
// Concurrent writers for the same pair are harmless: last write wins.
// A zero ttl keeps entries for the life of the process.
type OwnershipCache struct {
	checker OwnershipChecker
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[ownerKey]ownerEntry
}

type ownerKey struct {
	contextID string
	userID    string
}

type ownerEntry struct {
	owns      bool
	expiresAt time.Time
}

func NewOwnershipCache(checker OwnershipChecker, ttl time.Duration) *OwnershipCache {
	return &OwnershipCache{
		checker: checker,
		ttl:     ttl,
		entries: make(map[ownerKey]ownerEntry),
	}
}

// Authorize returns nil when the user owns the context, an error wrapping
// ErrAccessDenied when not, and any checker error unwrapped otherwise.
// Checker errors are not cached.
func (c *OwnershipCache) Authorize(ctx context.Context, contextID, userID string) error {
	if c == nil || c.checker == nil || contextID == "" {
		return nil
	}
	key := ownerKey{contextID: contextID, userID: userID}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || time.Now().Before(e.expiresAt)) {
		return denied(e.owns, contextID, userID)
	}

	owns, err := c.checker.Owns(ctx, contextID, userID)
	if err != nil {
		return fmt.Errorf("ownership check: %w", err)
	}
	c.mu.Lock()
	c.entries[key] = ownerEntry{owns: owns, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return denied(owns, contextID, userID)
}

func denied(owns bool, contextID, userID string) error {
	if owns {
		return nil
	}
	return fmt.Errorf("%w: user %q may not act in context %q", ErrAccessDenied, userID, contextID)
}
