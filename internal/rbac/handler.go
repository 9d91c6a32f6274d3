package rbac

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// Handler exposes permission checks for the current principal.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds the authorization HTTP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Post("/check-batch", h.checkBatch)
	r.Get("/permissions", h.effectivePermissions)
}

type checkRequest struct {
	Permission string         `json:"permission"`
	Resource   map[string]any `json:"resource,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type decisionResponse struct {
	Granted    bool   `json:"granted"`
	Reason     string `json:"reason,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

func toDecisionResponse(d authz.Decision) decisionResponse {
	resp := decisionResponse{Granted: d.Granted, Reason: d.Reason}
	if d.TTL > 0 {
		resp.TTLSeconds = int64(d.TTL.Seconds())
	}
	return resp
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Permission == "" {
		http.Error(w, "permission is required", http.StatusBadRequest)
		return
	}
	pctx := ContextFromRequest(r, principal)
	pctx.Resource = req.Resource
	pctx.Metadata = req.Metadata

	decision := h.service.HasPermission(r.Context(), principal.UserID, req.Permission, pctx)
	writeJSON(w, h.logger, http.StatusOK, toDecisionResponse(decision))
}

type checkBatchRequest struct {
	Permissions []string       `json:"permissions"`
	RequireAll  bool           `json:"require_all"`
	Resource    map[string]any `json:"resource,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type checkBatchResponse struct {
	Granted bool                        `json:"granted"`
	Results map[string]decisionResponse `json:"results"`
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	var req checkBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Permissions) == 0 {
		http.Error(w, "permissions are required", http.StatusBadRequest)
		return
	}
	pctx := ContextFromRequest(r, principal)
	pctx.Resource = req.Resource
	pctx.Metadata = req.Metadata

	decisions := h.service.HasPermissions(r.Context(), principal.UserID, req.Permissions, pctx)
	resp := checkBatchResponse{
		Granted: aggregate(decisions, req.RequireAll),
		Results: make(map[string]decisionResponse, len(decisions)),
	}
	for key, decision := range decisions {
		resp.Results[key] = toDecisionResponse(decision)
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	keys, err := h.service.EffectivePermissionKeys(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("effective permissions", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"permissions": keys})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("encode response", slog.Any("error", err))
	}
}
