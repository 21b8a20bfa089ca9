package events

import "context"

type ownerIDKey struct{}

// ContextWithOwner returns a new context carrying the owner ID.
func ContextWithOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, id)
}

// OwnerFromContext extracts the owner ID from the context, or "" if absent.
func OwnerFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ownerIDKey{}).(string); ok {
		return id
	}
	return ""
}
