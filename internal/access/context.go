package access

import "context"

type contextKey string

// identityKey carries the authenticated caller through request contexts.
const identityKey contextKey = "identity"

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the authenticated identity, if any. An unauthenticated
// request reaches handlers with no identity set — downstream guards decide
// whether that is acceptable.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
