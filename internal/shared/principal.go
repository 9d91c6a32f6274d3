package shared

// Principal describes the authenticated actor attached to a request by the
// session layer. A zero UserID means the request is unauthenticated and every
// permission check must deny.
type Principal struct {
	UserID         string
	TenantID       string
	OrganizationID string
}

// Authenticated reports whether the principal carries a user identity.
func (p Principal) Authenticated() bool {
	return p.UserID != ""
}
