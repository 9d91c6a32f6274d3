package authz

import (
	"fmt"
	"strings"
	"time"
)

// ConditionType classifies an attribute predicate attached to a permission.
type ConditionType string

// Supported condition types. Anything else fails closed.
const (
	ConditionOwner        ConditionType = "owner"
	ConditionOrganization ConditionType = "organization"
	ConditionTenant       ConditionType = "tenant"
	ConditionTime         ConditionType = "time"
	ConditionLocation     ConditionType = "location"
	ConditionCustom       ConditionType = "custom"
)

// Operator is the comparison applied by a condition.
type Operator string

// Supported condition operators.
const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorIn          Operator = "in"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

// Condition narrows when a permission applies. It is evaluated against a
// PermissionContext at check time and never cached beyond one evaluation.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
	Field    string        `json:"field,omitempty"`
}

// ScheduleWindow is a recurring validity window, e.g. weekdays 08:00-18:00.
// Start and End use the "15:04" clock format; an empty Days slice means every
// day.
type ScheduleWindow struct {
	Days  []time.Weekday `json:"days,omitempty"`
	Start string         `json:"start"`
	End   string         `json:"end"`
}

// Permission is an immutable capability identified by resource:action. A bare
// key and a structured record are the same value; the key is canonical for
// deduplication everywhere.
type Permission struct {
	Resource   string           `json:"resource"`
	Action     string           `json:"action"`
	Conditions []Condition      `json:"conditions,omitempty"`
	ValidFrom  *time.Time       `json:"valid_from,omitempty"`
	ValidUntil *time.Time       `json:"valid_until,omitempty"`
	Schedule   []ScheduleWindow `json:"schedule,omitempty"`
}

// Key returns the canonical resource:action identity.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// ParseKey builds a bare permission from its resource:action form.
func ParseKey(key string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || resource == "" || action == "" {
		return Permission{}, fmt.Errorf("authz: invalid permission key %q", key)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// PermissionContext carries the per-request attributes conditions are
// evaluated against. It exists only for the duration of one evaluation.
type PermissionContext struct {
	UserID         string         `json:"user_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Resource       map[string]any `json:"resource,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	IPAddress      string         `json:"ip_address,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Denial reasons surfaced on Decision.Reason.
const (
	ReasonNotAuthenticated   = "not_authenticated"
	ReasonPermissionNotFound = "permission_not_found"
	ReasonNotYetValid        = "not_yet_valid"
	ReasonExpired            = "expired"
	ReasonEvaluationError    = "evaluation_error"
)

// ConditionFailedReason formats the reason for a failing condition.
func ConditionFailedReason(t ConditionType) string {
	return "condition_failed:" + string(t)
}

// Decision is the outcome of a single permission evaluation. Evaluations
// always produce a Decision, never an error; callers must treat Granted=false
// uniformly regardless of Reason.
type Decision struct {
	Granted bool          `json:"granted"`
	Reason  string        `json:"reason,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// Deny builds a denial with the given reason.
func Deny(reason string) Decision {
	return Decision{Granted: false, Reason: reason}
}
