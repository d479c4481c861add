package api

import "context"

// userIDContextKey is the context key for the authenticated caller's user id.
type userIDContextKey struct{}

// WithUserID returns a new context with the user id attached.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey{}, userID)
}

// UserIDFromContext extracts the user id from the context.
// Returns "default" if not present or empty, so a single-tenant
// deployment works without callers threading identity headers.
func UserIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(userIDContextKey{}).(string)
	if !ok || id == "" {
		return "default"
	}
	return id
}
