package audit

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one append-only audit record. Entries are never updated or
// deleted; they are the sole mechanism for reconstructing why access was
// granted or denied.
type Entry struct {
	ID      uuid.UUID
	Action  string
	UserID  string
	Details map[string]any
	At      time.Time
}

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	UserID   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo carries pagination metadata for timeline results.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result bundles timeline rows with paging information.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}
