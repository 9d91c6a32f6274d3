package roles

import "time"

// RoleSummary is the flat listing view of a role definition.
type RoleSummary struct {
	ID           string
	Name         string
	Level        int
	InheritsFrom []string
	IsSystem     bool
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Assignment links a user to a role.
type Assignment struct {
	UserID    string
	RoleID    string
	CreatedAt time.Time
}
