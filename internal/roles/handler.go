package roles

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lyceum-lms/lyceum-authz/internal/hierarchy"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// Handler serves role listings, assignment, and hierarchy lookups.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	hierarchy *hierarchy.Service
}

func NewHandler(logger *slog.Logger, service *Service, graph *hierarchy.Service) *Handler {
	return &Handler{logger: logger, service: service, hierarchy: graph}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listRoles)
	r.Get("/{id}", h.getRole)
	r.Get("/{id}/path", h.rolePath)
	r.Get("/{id}/descendants", h.roleDescendants)
	r.Post("/assignments", h.assignRole)
	r.Delete("/assignments", h.removeRole)
}

type roleResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Level        int      `json:"level"`
	InheritsFrom []string `json:"inherits_from,omitempty"`
	IsSystem     bool     `json:"is_system"`
	IsActive     bool     `json:"is_active"`
	CreatedAt    string   `json:"created_at"`
}

func toRoleResponse(role RoleSummary) roleResponse {
	return roleResponse{
		ID:           role.ID,
		Name:         role.Name,
		Level:        role.Level,
		InheritsFrom: role.InheritsFrom,
		IsSystem:     role.IsSystem,
		IsActive:     role.IsActive,
		CreatedAt:    role.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(summaries))
	for _, role := range summaries {
		out = append(out, toRoleResponse(role))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) rolePath(w http.ResponseWriter, r *http.Request) {
	path, err := h.hierarchy.HierarchyPath(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (h *Handler) roleDescendants(w http.ResponseWriter, r *http.Request) {
	descendants, err := h.hierarchy.Descendants(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"descendants": descendants})
}

type assignmentInput struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	h.changeAssignment(w, r, h.service.AssignRole)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	h.changeAssignment(w, r, h.service.RemoveRole)
}

func (h *Handler) changeAssignment(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, actorID, userID, roleID string) error) {
	principal := shared.PrincipalFromContext(r.Context())
	var input assignmentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if input.UserID == "" || input.RoleID == "" {
		http.Error(w, "user_id and role_id are required", http.StatusBadRequest)
		return
	}
	if err := apply(r.Context(), principal.UserID, input.UserID, input.RoleID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotManager):
		http.Error(w, ErrNotManager.Error(), http.StatusForbidden)
	case errors.Is(err, shared.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("role operation failed", slog.Any("error", err))
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
