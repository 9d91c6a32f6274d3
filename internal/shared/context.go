package shared

import "context"

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// PrincipalFromContext derives the request principal from the session. The
// zero Principal is returned when no session or user is present.
func PrincipalFromContext(ctx context.Context) Principal {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return Principal{}
	}
	return Principal{
		UserID:         sess.User(),
		TenantID:       sess.Get(SessionKeyTenant),
		OrganizationID: sess.Get(SessionKeyOrganization),
	}
}
