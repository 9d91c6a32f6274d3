package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Handler serves the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/timeline", h.timeline)
}

type entryResponse struct {
	ID      string         `json:"id"`
	Action  string         `json:"action"`
	UserID  string         `json:"user_id"`
	Details map[string]any `json:"details,omitempty"`
	At      string         `json:"at"`
}

type timelineResponse struct {
	Rows   []entryResponse `json:"rows"`
	Paging PagingInfo      `json:"paging"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseTimelineFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline query failed", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	rows := make([]entryResponse, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, entryResponse{
			ID:      row.ID.String(),
			Action:  row.Action,
			UserID:  row.UserID,
			Details: row.Details,
			At:      row.At.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(timelineResponse{Rows: rows, Paging: result.Paging}); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func parseTimelineFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	filters := TimelineFilters{
		UserID: q.Get("user_id"),
		Action: q.Get("action"),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errBadTime("from")
		}
		filters.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errBadTime("to")
		}
		filters.To = t
	}
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filters, errBadNumber("page")
		}
		filters.Page = n
	}
	if raw := q.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filters, errBadNumber("page_size")
		}
		filters.PageSize = n
	}
	return filters, nil
}

type paramError struct{ msg string }

func (e paramError) Error() string { return e.msg }

func errBadTime(name string) error {
	return paramError{msg: name + " must be an RFC 3339 timestamp"}
}

func errBadNumber(name string) error {
	return paramError{msg: name + " must be a positive integer"}
}
