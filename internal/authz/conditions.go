package authz

import (
	"fmt"
	"time"
)

// ConditionHook evaluates a pluggable condition type. Returning false denies.
type ConditionHook func(cond Condition, pctx PermissionContext) bool

// ConditionEvaluator applies attribute predicates to a permission context.
// Location and custom checks are pluggable; without a hook they pass, every
// unknown type or operator fails closed.
type ConditionEvaluator struct {
	location ConditionHook
	custom   ConditionHook
}

// NewConditionEvaluator constructs an evaluator with optional hooks.
func NewConditionEvaluator(location, custom ConditionHook) *ConditionEvaluator {
	return &ConditionEvaluator{location: location, custom: custom}
}

// EvaluateAll checks every condition and returns the first failing one.
func (e *ConditionEvaluator) EvaluateAll(conds []Condition, pctx PermissionContext) (ok bool, failed Condition) {
	for _, cond := range conds {
		if !e.Evaluate(cond, pctx) {
			return false, cond
		}
	}
	return true, Condition{}
}

// Evaluate checks a single condition against the context.
func (e *ConditionEvaluator) Evaluate(cond Condition, pctx PermissionContext) bool {
	switch cond.Type {
	case ConditionOwner:
		return evaluateOwner(cond, pctx)
	case ConditionOrganization:
		return evaluateMembership(cond, pctx.OrganizationID)
	case ConditionTenant:
		return evaluateMembership(cond, pctx.TenantID)
	case ConditionTime:
		return evaluateTime(cond, pctx.Timestamp)
	case ConditionLocation:
		if e.location != nil {
			return e.location(cond, pctx)
		}
		return true
	case ConditionCustom:
		if e.custom != nil {
			return e.custom(cond, pctx)
		}
		return true
	default:
		return false
	}
}

func evaluateOwner(cond Condition, pctx PermissionContext) bool {
	field := cond.Field
	if field == "" {
		field = "owner_id"
	}
	owner := stringValue(pctx.Resource[field])
	switch cond.Operator {
	case OperatorEquals, "":
		return owner != "" && owner == pctx.UserID
	case OperatorNotEquals:
		return owner != pctx.UserID
	default:
		return false
	}
}

func evaluateMembership(cond Condition, actual string) bool {
	switch cond.Operator {
	case OperatorEquals, "":
		return actual != "" && actual == stringValue(cond.Value)
	case OperatorIn:
		for _, candidate := range stringSlice(cond.Value) {
			if candidate == actual && actual != "" {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func evaluateTime(cond Condition, at time.Time) bool {
	instant, ok := timeValue(cond.Value)
	if !ok || at.IsZero() {
		return false
	}
	switch cond.Operator {
	case OperatorGreaterThan:
		return at.After(instant)
	case OperatorLessThan:
		return at.Before(instant)
	default:
		return false
	}
}

// EvaluateWindow checks the permission's absolute bounds and recurring
// schedule against the evaluation timestamp. It returns the denial reason
// when the timestamp falls outside the window.
func EvaluateWindow(p Permission, at time.Time) (ok bool, reason string) {
	if p.ValidFrom != nil && at.Before(*p.ValidFrom) {
		return false, ReasonNotYetValid
	}
	if p.ValidUntil != nil && !at.Before(*p.ValidUntil) {
		return false, ReasonExpired
	}
	if len(p.Schedule) == 0 {
		return true, ""
	}
	for _, window := range p.Schedule {
		if window.Contains(at) {
			return true, ""
		}
	}
	return false, ReasonNotYetValid
}

// Contains reports whether the timestamp falls inside the recurring window.
func (w ScheduleWindow) Contains(at time.Time) bool {
	if len(w.Days) > 0 {
		match := false
		for _, day := range w.Days {
			if at.Weekday() == day {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	start, err := time.Parse("15:04", w.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", w.End)
	if err != nil {
		return false
	}
	minute := at.Hour()*60 + at.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	return minute >= startMin && minute < endMin
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func stringSlice(v any) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			out = append(out, stringValue(item))
		}
		return out
	default:
		return nil
	}
}

func timeValue(v any) (time.Time, bool) {
	switch value := v.(type) {
	case time.Time:
		return value, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
