// Package actor carries the tenant and user a request runs for.
package actor

import "context"

type contextKey struct{}

// Identity names who a request acts for. ContextID is the tenant or
// workspace; UserID the person inside it.
type Identity struct {
	ContextID string
	UserID    string
}

func (i Identity) IsZero() bool { return i.ContextID == "" && i.UserID == "" }

// WithIdentity returns a context carrying id. A zero identity leaves ctx
// unchanged.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if id.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// From returns the identity in ctx, or the zero identity.
func From(ctx context.Context) Identity {
	if ctx == nil {
		return Identity{}
	}
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}
