package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lyceum-lms/lyceum-authz/internal/audit"
	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/tempaccess"
)

type fakeRoles struct {
	byUser map[string][]string
	err    error
}

func (f *fakeRoles) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

type fakeHierarchy struct {
	perms map[string]authz.Permission
}

func (f *fakeHierarchy) EffectivePermissions(ctx context.Context, roleIDs []string) (map[string]authz.Permission, error) {
	out := make(map[string]authz.Permission, len(f.perms))
	for key, perm := range f.perms {
		out[key] = perm
	}
	return out, nil
}

type fakeGrants struct {
	grants []tempaccess.TemporaryAccess
}

func (f *fakeGrants) ActiveAccess(ctx context.Context, userID string) ([]tempaccess.TemporaryAccess, error) {
	return f.grants, nil
}

type captureAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (c *captureAuditor) Record(ctx context.Context, entry audit.Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureAuditor) last() audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[len(c.entries)-1]
}

type captureMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (c *captureMetrics) ObserveDecision(granted bool, reason string) {
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}

func testService(t *testing.T, roles *fakeRoles, hier *fakeHierarchy, grants *fakeGrants, auditor Auditor) *Service {
	t.Helper()
	if roles == nil {
		roles = &fakeRoles{byUser: map[string][]string{"u1": {"user"}}}
	}
	if hier == nil {
		hier = &fakeHierarchy{perms: map[string]authz.Permission{}}
	}
	if grants == nil {
		grants = &fakeGrants{}
	}
	return NewService(Config{
		Roles:     roles,
		Hierarchy: hier,
		Grants:    grants,
		Cache:     NewCache(nil, 0),
		Auditor:   auditor,
	})
}

func TestHasPermissionDeniesUnauthenticated(t *testing.T) {
	svc := testService(t, nil, nil, nil, nil)

	decision := svc.HasPermission(context.Background(), "", "courses:view", authz.PermissionContext{})
	require.False(t, decision.Granted)
	require.Equal(t, authz.ReasonNotAuthenticated, decision.Reason)
}

func TestHasPermissionDeniesUnknownPermission(t *testing.T) {
	auditor := &captureAuditor{}
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"courses:view": {Resource: "courses", Action: "view"},
	}}
	svc := testService(t, nil, hier, nil, auditor)

	decision := svc.HasPermission(context.Background(), "u1", "courses:delete", authz.PermissionContext{})
	require.False(t, decision.Granted)
	require.Equal(t, authz.ReasonPermissionNotFound, decision.Reason)

	entry := auditor.last()
	require.Equal(t, "authz.check", entry.Action)
	require.Equal(t, "u1", entry.UserID)
	require.Equal(t, false, entry.Details["granted"])
	require.Equal(t, authz.ReasonPermissionNotFound, entry.Details["reason"])
}

func TestHasPermissionGrants(t *testing.T) {
	auditor := &captureAuditor{}
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"courses:view": {Resource: "courses", Action: "view"},
	}}
	svc := testService(t, nil, hier, nil, auditor)

	decision := svc.HasPermission(context.Background(), "u1", "courses:view", authz.PermissionContext{})
	require.True(t, decision.Granted)
	require.Empty(t, decision.Reason)
	require.Zero(t, decision.TTL)

	entry := auditor.last()
	require.Equal(t, true, entry.Details["granted"])
	require.NotContains(t, entry.Details, "reason")
}

func TestHasPermissionConditionFailure(t *testing.T) {
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"courses:edit": {
			Resource: "courses", Action: "edit",
			Conditions: []authz.Condition{{Type: authz.ConditionOwner, Operator: authz.OperatorEquals}},
		},
	}}
	svc := testService(t, nil, hier, nil, nil)

	pctx := authz.PermissionContext{Resource: map[string]any{"owner_id": "someone_else"}}
	decision := svc.HasPermission(context.Background(), "u1", "courses:edit", pctx)
	require.False(t, decision.Granted)
	require.Equal(t, "condition_failed:owner", decision.Reason)

	pctx = authz.PermissionContext{Resource: map[string]any{"owner_id": "u1"}}
	decision = svc.HasPermission(context.Background(), "u1", "courses:edit", pctx)
	require.True(t, decision.Granted)
}

func TestHasPermissionTimeWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"exams:grade":   {Resource: "exams", Action: "grade", ValidFrom: &future},
		"reports:view":  {Resource: "reports", Action: "view", ValidUntil: &past},
		"courses:teach": {Resource: "courses", Action: "teach", ValidFrom: &past, ValidUntil: &future},
	}}
	svc := testService(t, nil, hier, nil, nil)
	svc.now = func() time.Time { return now }

	decision := svc.HasPermission(context.Background(), "u1", "exams:grade", authz.PermissionContext{})
	require.Equal(t, authz.ReasonNotYetValid, decision.Reason)

	decision = svc.HasPermission(context.Background(), "u1", "reports:view", authz.PermissionContext{})
	require.Equal(t, authz.ReasonExpired, decision.Reason)

	decision = svc.HasPermission(context.Background(), "u1", "courses:teach", authz.PermissionContext{})
	require.True(t, decision.Granted)
	require.Equal(t, time.Hour, decision.TTL, "decision TTL must match the remaining validity")
}

func TestHasPermissionRepeatable(t *testing.T) {
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"courses:view": {Resource: "courses", Action: "view"},
	}}
	svc := testService(t, nil, hier, nil, nil)

	for i := 0; i < 3; i++ {
		decision := svc.HasPermission(context.Background(), "u1", "courses:view", authz.PermissionContext{})
		require.True(t, decision.Granted, "evaluation %d must not change state", i)
	}
}

func TestHasPermissionDeniesOnLoadError(t *testing.T) {
	metrics := &captureMetrics{}
	roles := &fakeRoles{err: errors.New("db down")}
	svc := NewService(Config{
		Roles:     roles,
		Hierarchy: &fakeHierarchy{},
		Grants:    &fakeGrants{},
		Cache:     NewCache(nil, 0),
		Metrics:   metrics,
	})

	decision := svc.HasPermission(context.Background(), "u1", "courses:view", authz.PermissionContext{})
	require.False(t, decision.Granted)
	require.Equal(t, authz.ReasonEvaluationError, decision.Reason)
	require.Equal(t, []string{authz.ReasonEvaluationError}, metrics.reasons)
}

func TestUserPermissionsMergesGrants(t *testing.T) {
	now := time.Now()
	roleScoped := authz.Permission{
		Resource: "courses", Action: "view",
		Conditions: []authz.Condition{{Type: authz.ConditionOwner}},
	}
	hier := &fakeHierarchy{perms: map[string]authz.Permission{"courses:view": roleScoped}}
	grants := &fakeGrants{grants: []tempaccess.TemporaryAccess{{
		UserID:   "u1",
		IsActive: true,
		Permissions: []authz.Permission{
			{Resource: "courses", Action: "view"},
			{Resource: "grades", Action: "edit"},
		},
		Conditions: []authz.Condition{{Type: authz.ConditionTenant, Operator: authz.OperatorEquals, Value: "t1"}},
		ValidFrom:  now.Add(-time.Hour),
		ValidUntil: now.Add(time.Hour),
	}}}
	svc := testService(t, nil, hier, grants, nil)

	perms, err := svc.UserPermissions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, perms, 2)

	byKey := make(map[string]authz.Permission, len(perms))
	for _, perm := range perms {
		byKey[perm.Key()] = perm
	}

	// The standing role permission wins over the temporary duplicate.
	require.Len(t, byKey["courses:view"].Conditions, 1)
	require.Equal(t, authz.ConditionOwner, byKey["courses:view"].Conditions[0].Type)

	// Grant-level conditions attach to grant-only permissions.
	require.Len(t, byKey["grades:edit"].Conditions, 1)
	require.Equal(t, authz.ConditionTenant, byKey["grades:edit"].Conditions[0].Type)
}

func TestHasPermissionsBatch(t *testing.T) {
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"courses:view": {Resource: "courses", Action: "view"},
	}}
	svc := testService(t, nil, hier, nil, nil)

	results := svc.HasPermissions(context.Background(), "u1",
		[]string{"courses:view", "courses:delete", "grades:edit"},
		authz.PermissionContext{})
	require.Len(t, results, 3)
	require.True(t, results["courses:view"].Granted)
	require.False(t, results["courses:delete"].Granted)
	require.False(t, results["grades:edit"].Granted)
}

func TestEffectivePermissionKeysSorted(t *testing.T) {
	hier := &fakeHierarchy{perms: map[string]authz.Permission{
		"users:view":   {Resource: "users", Action: "view"},
		"courses:view": {Resource: "courses", Action: "view"},
	}}
	svc := testService(t, nil, hier, nil, nil)

	keys, err := svc.EffectivePermissionKeys(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"courses:view", "users:view"}, keys)
}
