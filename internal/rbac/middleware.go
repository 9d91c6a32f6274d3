package rbac

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// Middleware wires authorization guards for HTTP handlers. Unlike a plain
// role lookup it runs the full evaluator, so temporary grants and conditions
// count.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny ensures the current principal holds at least one of the
// required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard(normalized, false)
}

// RequireAll ensures the current principal holds all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard(normalized, true)
}

func (m Middleware) guard(required []string, requireAll bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			pctx := ContextFromRequest(r, principal)
			decisions := m.Service.HasPermissions(r.Context(), principal.UserID, required, pctx)
			if aggregate(decisions, requireAll) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func aggregate(decisions map[string]authz.Decision, requireAll bool) bool {
	if requireAll {
		for _, decision := range decisions {
			if !decision.Granted {
				return false
			}
		}
		return len(decisions) > 0
	}
	for _, decision := range decisions {
		if decision.Granted {
			return true
		}
	}
	return false
}

// ContextFromRequest builds the evaluation context for an HTTP request.
func ContextFromRequest(r *http.Request, principal shared.Principal) authz.PermissionContext {
	return authz.PermissionContext{
		UserID:         principal.UserID,
		TenantID:       principal.TenantID,
		OrganizationID: principal.OrganizationID,
		Timestamp:      time.Now(),
		IPAddress:      clientIP(r),
	}
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware rewrites RemoteAddr when forwarding headers
	// are present. It may leave a bare IP without a port.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
