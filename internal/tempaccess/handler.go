package tempaccess

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// GuardFactory builds permission guards, typically rbac.Middleware methods.
type GuardFactory func(perms ...string) func(http.Handler) http.Handler

// Handler exposes the elevation workflow over HTTP.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	requireAny GuardFactory
}

// NewHandler builds the temporary access HTTP handler.
func NewHandler(logger *slog.Logger, service *Service, requireAny GuardFactory) *Handler {
	return &Handler{logger: logger, service: service, requireAny: requireAny}
}

// MountRoutes registers elevation routes. Requesting access only needs an
// authenticated principal; deciding and revoking are themselves
// permission-gated.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/requests", h.requestAccess)
	r.Get("/grants", h.activeGrants)
	r.Post("/grants/{id}/usage", h.recordUsage)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAny(shared.PermAccessApprove))
		r.Get("/requests/pending", h.pendingRequests)
		r.Post("/approvals", h.processApproval)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.requireAny(shared.PermAccessRevoke))
		r.Post("/grants/{id}/revoke", h.revokeGrant)
	})
}

type accessRequestInput struct {
	Permissions   []string `json:"permissions"`
	Reason        string   `json:"reason"`
	Justification string   `json:"justification"`
	DurationMin   int      `json:"duration_minutes"`
	Urgency       string   `json:"urgency"`
	MaxUsage      int      `json:"max_usage,omitempty"`
}

func (h *Handler) requestAccess(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var input accessRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.service.RequestAccess(r.Context(), AccessRequest{
		UserID:        principal.UserID,
		Permissions:   input.Permissions,
		Reason:        input.Reason,
		Justification: input.Justification,
		Duration:      time.Duration(input.DurationMin) * time.Minute,
		Urgency:       Urgency(input.Urgency),
		MaxUsage:      input.MaxUsage,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	request, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"request_id": id.String(),
		"status":     string(request.Status),
	})
}

type approvalInput struct {
	RequestID   string   `json:"request_id"`
	Approve     bool     `json:"approve"`
	Note        string   `json:"note,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	DurationMin int      `json:"duration_minutes,omitempty"`
	MaxUsage    int      `json:"max_usage,omitempty"`
}

func (h *Handler) processApproval(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var input approvalInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	requestID, err := uuid.Parse(input.RequestID)
	if err != nil {
		http.Error(w, "request_id must be a UUID", http.StatusBadRequest)
		return
	}

	granted, err := h.service.ProcessApproval(r.Context(), Approval{
		RequestID:   requestID,
		ApproverID:  principal.UserID,
		Approve:     input.Approve,
		Note:        input.Note,
		Permissions: input.Permissions,
		Duration:    time.Duration(input.DurationMin) * time.Minute,
		MaxUsage:    input.MaxUsage,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"granted": granted})
}

func (h *Handler) pendingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.PendingRequests(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		entry := map[string]any{
			"request_id":  req.ID.String(),
			"user_id":     req.UserID,
			"permissions": req.Permissions,
			"reason":      req.Reason,
			"urgency":     string(req.Urgency),
			"duration":    req.Duration.String(),
			"created_at":  req.CreatedAt.Format(time.RFC3339),
		}
		if req.MaxUsage > 0 {
			entry["max_usage"] = req.MaxUsage
		}
		out = append(out, entry)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (h *Handler) activeGrants(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	grants, err := h.service.ActiveAccess(r.Context(), principal.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(grants))
	for _, grant := range grants {
		keys := make([]string, 0, len(grant.Permissions))
		for _, perm := range grant.Permissions {
			keys = append(keys, perm.Key())
		}
		entry := map[string]any{
			"grant_id":    grant.ID.String(),
			"permissions": keys,
			"valid_until": grant.ValidUntil.Format(time.RFC3339),
			"usage_count": grant.UsageCount,
		}
		if grant.MaxUsage > 0 {
			entry["max_usage"] = grant.MaxUsage
		}
		out = append(out, entry)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"grants": out})
}

type usageInput struct {
	Resource map[string]any `json:"resource,omitempty"`
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	grantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "grant id must be a UUID", http.StatusBadRequest)
		return
	}
	var input usageInput
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&input)
	}

	err = h.service.RecordUsage(r.Context(), grantID, authz.PermissionContext{
		UserID:    principal.UserID,
		Timestamp: time.Now(),
		Resource:  input.Resource,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"recorded": true})
}

type revokeInput struct {
	Reason string `json:"reason"`
}

func (h *Handler) revokeGrant(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	grantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "grant id must be a UUID", http.StatusBadRequest)
		return
	}
	var input revokeInput
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&input)
	}
	revoked, err := h.service.RevokeAccess(r.Context(), grantID, principal.UserID, input.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "validation failed",
			"violations": verr.Violations,
		})
	case errors.Is(err, ErrNoApplicablePolicy):
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": ErrNoApplicablePolicy.Error()})
	case errors.Is(err, shared.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("temporary access request failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && h.logger != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}
