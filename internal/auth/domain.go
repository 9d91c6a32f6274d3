package auth

import "time"

// User represents an authenticated account in the directory.
type User struct {
	ID             string
	Email          string
	PasswordHash   string
	TenantID       string
	OrganizationID string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
