package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/lyceum-lms/lyceum-authz/internal/audit"
	"github.com/lyceum-lms/lyceum-authz/internal/auth"
	"github.com/lyceum-lms/lyceum-authz/internal/observability"
	"github.com/lyceum-lms/lyceum-authz/internal/platform/httpx"
	"github.com/lyceum-lms/lyceum-authz/internal/rbac"
	"github.com/lyceum-lms/lyceum-authz/internal/roles"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
	"github.com/lyceum-lms/lyceum-authz/internal/tempaccess"
	"github.com/lyceum-lms/lyceum-authz/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	SessionManager    *shared.SessionManager
	AuthHandler       *auth.Handler
	RBACHandler       *rbac.Handler
	RBACMiddleware    rbac.Middleware
	RolesHandler      *roles.Handler
	TempAccessHandler *tempaccess.Handler
	AuditHandler      *audit.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router for the authorization service.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	if params.RBACHandler != nil {
		r.Route("/authz", params.RBACHandler.MountRoutes)
	}
	if params.RolesHandler != nil {
		r.Route("/roles", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireAny(shared.PermRolesEdit))
			params.RolesHandler.MountRoutes(r)
		})
	}
	if params.TempAccessHandler != nil {
		r.Route("/access", params.TempAccessHandler.MountRoutes)
	}
	if params.AuditHandler != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireAny(shared.PermAuditView))
			params.AuditHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
