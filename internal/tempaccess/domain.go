package tempaccess

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
)

// Domain errors.
var (
	// ErrNoApplicablePolicy indicates no active policy covers the request.
	ErrNoApplicablePolicy = errors.New("tempaccess: no applicable policy")
	// ErrAlreadyProcessed indicates the approval target is gone or decided.
	ErrAlreadyProcessed = errors.New("tempaccess: request already processed")
)

// Duration limits for elevation requests.
const (
	MinDuration = time.Minute
	MaxDuration = 30 * 24 * time.Hour
)

// Urgency classifies how pressing an elevation request is. Only emergency
// requests are eligible for auto-approval.
type Urgency string

// Urgency levels.
const (
	UrgencyLow       Urgency = "low"
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// RequestStatus tracks an elevation request through intake and approval.
type RequestStatus string

// Request lifecycle states. Pending and auto-approved requests are transient;
// approved requests materialise as grants.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// GrantStatus tracks an issued grant. Active is the only state the evaluator
// consults; all other states are terminal.
type GrantStatus string

// Grant lifecycle states.
const (
	GrantActive         GrantStatus = "active"
	GrantExpired        GrantStatus = "expired"
	GrantUsageExhausted GrantStatus = "usage_exhausted"
	GrantRevoked        GrantStatus = "revoked"
)

// AccessRequest is an elevation request as submitted by a principal or an
// automated process.
type AccessRequest struct {
	ID            uuid.UUID
	UserID        string
	Permissions   []string
	Reason        string
	Justification string
	Duration      time.Duration
	Urgency       Urgency
	MaxUsage      int
	Status        RequestStatus
	PolicyID      string
	CreatedAt     time.Time
	DecidedAt     *time.Time
	DecidedBy     string
}

// AccessPolicy is read-only configuration governing which elevations are
// permitted. Policies are consulted in listing order; the first active match
// wins.
type AccessPolicy struct {
	ID                   string
	Name                 string
	MaxDuration          time.Duration
	AutoApproveThreshold time.Duration
	RequiredApprovers    int
	ApproverRoles        []string
	PermissionCategories []string
	Conditions           []authz.Condition
	IsActive             bool
}

// Matches reports whether the policy covers the requested permission
// resources and duration.
func (p AccessPolicy) Matches(resources []string, duration time.Duration) bool {
	if !p.IsActive || p.MaxDuration < duration {
		return false
	}
	for _, category := range p.PermissionCategories {
		for _, resource := range resources {
			if category == resource || category == "*" {
				return true
			}
		}
	}
	return false
}

// AutoApproves applies the conjunctive auto-approval rule: emergency urgency
// and a duration within the policy threshold, with the threshold enabled.
func (p AccessPolicy) AutoApproves(urgency Urgency, duration time.Duration) bool {
	return urgency == UrgencyEmergency &&
		p.AutoApproveThreshold > 0 &&
		duration <= p.AutoApproveThreshold
}

// TemporaryAccess is a granted elevation. Once inactive it is immutable
// except for its audit trail, which only grows.
type TemporaryAccess struct {
	ID               uuid.UUID
	RequestID        uuid.UUID
	UserID           string
	GrantedBy        string
	Permissions      []authz.Permission
	ValidFrom        time.Time
	ValidUntil       time.Time
	IsActive         bool
	Status           GrantStatus
	ApprovalRequired bool
	ApprovedBy       string
	UsageCount       int
	MaxUsage         int
	Conditions       []authz.Condition
	CreatedAt        time.Time
}

// UsageExhausted reports whether a bounded grant has no uses left.
func (t TemporaryAccess) UsageExhausted() bool {
	return t.MaxUsage > 0 && t.UsageCount >= t.MaxUsage
}

// InWindow reports whether now falls inside the grant validity window.
func (t TemporaryAccess) InWindow(now time.Time) bool {
	return !now.Before(t.ValidFrom) && !now.After(t.ValidUntil)
}

// Usable reports whether the evaluator may count this grant right now.
func (t TemporaryAccess) Usable(now time.Time) bool {
	return t.IsActive && t.InWindow(now) && !t.UsageExhausted()
}

// Approval is a human decision on a pending request. Approvers may narrow
// the permission set, shorten the duration, tighten the usage bound, or
// attach extra conditions. They may never widen what was requested.
type Approval struct {
	RequestID   uuid.UUID
	ApproverID  string
	Approve     bool
	Note        string
	Permissions []string
	Duration    time.Duration
	MaxUsage    int
	Conditions  []authz.Condition
}
