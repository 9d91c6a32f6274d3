package rbac

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyceum-lms/lyceum-authz/internal/audit"
	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/tempaccess"
)

const batchConcurrency = 4

// RoleResolver supplies a user's assigned role IDs.
type RoleResolver interface {
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
}

// HierarchySource resolves roles to their effective permission closure.
type HierarchySource interface {
	EffectivePermissions(ctx context.Context, roleIDs []string) (map[string]authz.Permission, error)
}

// GrantSource supplies a user's currently usable temporary grants. The
// evaluator only reads grant state, it never mutates it.
type GrantSource interface {
	ActiveAccess(ctx context.Context, userID string) ([]tempaccess.TemporaryAccess, error)
}

// Auditor accepts audit entries for every decision.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// DecisionMetrics counts evaluation outcomes.
type DecisionMetrics interface {
	ObserveDecision(granted bool, reason string)
}

// Service is the permission evaluator. Evaluation is deny-by-default and
// always yields a Decision; internal failures become a denial with reason
// evaluation_error rather than an error to the caller.
type Service struct {
	roles      RoleResolver
	hierarchy  HierarchySource
	grants     GrantSource
	cache      *Cache
	conditions *authz.ConditionEvaluator
	auditor    Auditor
	metrics    DecisionMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// Config collects evaluator dependencies.
type Config struct {
	Roles      RoleResolver
	Hierarchy  HierarchySource
	Grants     GrantSource
	Cache      *Cache
	Conditions *authz.ConditionEvaluator
	Auditor    Auditor
	Metrics    DecisionMetrics
	Logger     *slog.Logger
}

// NewService constructs the evaluator.
func NewService(cfg Config) *Service {
	conditions := cfg.Conditions
	if conditions == nil {
		conditions = authz.NewConditionEvaluator(nil, nil)
	}
	return &Service{
		roles:      cfg.Roles,
		hierarchy:  cfg.Hierarchy,
		grants:     cfg.Grants,
		cache:      cfg.Cache,
		conditions: conditions,
		auditor:    cfg.Auditor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// HasPermission evaluates one permission for a user. Checks run in fixed
// order: presence, conditions, time window; the first failure denies. Every
// outcome is audited after the decision is made.
func (s *Service) HasPermission(ctx context.Context, userID, permission string, pctx authz.PermissionContext) authz.Decision {
	decision := s.evaluate(ctx, userID, permission, &pctx)
	s.record(ctx, userID, permission, pctx, decision)
	return decision
}

func (s *Service) evaluate(ctx context.Context, userID, permission string, pctx *authz.PermissionContext) (decision authz.Decision) {
	defer func() {
		if recovered := recover(); recovered != nil {
			if s.logger != nil {
				s.logger.Error("evaluation panic", slog.Any("panic", recovered), slog.String("permission", permission))
			}
			decision = authz.Deny(authz.ReasonEvaluationError)
		}
	}()

	if userID == "" {
		return authz.Deny(authz.ReasonNotAuthenticated)
	}
	if pctx.UserID == "" {
		pctx.UserID = userID
	}
	if pctx.Timestamp.IsZero() {
		pctx.Timestamp = s.now()
	}

	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("load user permissions", slog.String("user_id", userID), slog.Any("error", err))
		}
		return authz.Deny(authz.ReasonEvaluationError)
	}

	var (
		matched authz.Permission
		found   bool
	)
	for _, perm := range perms {
		if perm.Key() == permission {
			matched = perm
			found = true
			break
		}
	}
	if !found {
		return authz.Deny(authz.ReasonPermissionNotFound)
	}

	if ok, failing := s.conditions.EvaluateAll(matched.Conditions, *pctx); !ok {
		return authz.Deny(authz.ConditionFailedReason(failing.Type))
	}

	if ok, reason := authz.EvaluateWindow(matched, pctx.Timestamp); !ok {
		return authz.Deny(reason)
	}

	granted := authz.Decision{Granted: true}
	if matched.ValidUntil != nil {
		granted.TTL = matched.ValidUntil.Sub(pctx.Timestamp)
	}
	return granted
}

// HasPermissions evaluates a batch independently per permission; a denial of
// one never short-circuits the others.
func (s *Service) HasPermissions(ctx context.Context, userID string, permissions []string, pctx authz.PermissionContext) map[string]authz.Decision {
	results := make(map[string]authz.Decision, len(permissions))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(batchConcurrency)
	for _, permission := range permissions {
		group.Go(func() error {
			decision := s.HasPermission(groupCtx, userID, permission, pctx)
			mu.Lock()
			results[permission] = decision
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// UserPermissions returns the deduplicated union of role-derived permissions
// and active temporary grants, cached per user with a fixed TTL. A standing
// role permission wins over a temporary duplicate of the same key.
func (s *Service) UserPermissions(ctx context.Context, userID string) ([]authz.Permission, error) {
	return s.cache.FetchPermissions(ctx, userID, func(ctx context.Context) ([]authz.Permission, error) {
		roleIDs, err := s.roles.UserRoleIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
		merged, err := s.hierarchy.EffectivePermissions(ctx, roleIDs)
		if err != nil {
			return nil, err
		}

		grants, err := s.grants.ActiveAccess(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, grant := range grants {
			for _, perm := range grant.Permissions {
				if _, exists := merged[perm.Key()]; exists {
					continue
				}
				// Grant-level conditions apply to every permission it
				// carries.
				if len(grant.Conditions) > 0 {
					perm.Conditions = append(append([]authz.Condition(nil), perm.Conditions...), grant.Conditions...)
				}
				merged[perm.Key()] = perm
			}
		}

		out := make([]authz.Permission, 0, len(merged))
		for _, perm := range merged {
			out = append(out, perm)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
		return out, nil
	})
}

// EffectivePermissionKeys returns the flat resource:action list for UI
// gating and audit display.
func (s *Service) EffectivePermissionKeys(ctx context.Context, userID string) ([]string, error) {
	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(perms))
	for _, perm := range perms {
		keys = append(keys, perm.Key())
	}
	return keys, nil
}

// ClearUserCache evicts a user's cached permission set.
func (s *Service) ClearUserCache(ctx context.Context, userID string) error {
	return s.cache.ClearUserCache(ctx, userID)
}

func (s *Service) record(ctx context.Context, userID, permission string, pctx authz.PermissionContext, decision authz.Decision) {
	if s.metrics != nil {
		s.metrics.ObserveDecision(decision.Granted, decision.Reason)
	}
	if s.auditor == nil {
		return
	}
	details := map[string]any{
		"permission": permission,
		"granted":    decision.Granted,
	}
	if decision.Reason != "" {
		details["reason"] = decision.Reason
	}
	if pctx.IPAddress != "" {
		details["ip_address"] = pctx.IPAddress
	}
	s.auditor.Record(ctx, audit.Entry{
		ID:      uuid.New(),
		Action:  "authz.check",
		UserID:  userID,
		Details: details,
		At:      s.now(),
	})
}
