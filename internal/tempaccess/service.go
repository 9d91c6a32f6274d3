package tempaccess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lyceum-lms/lyceum-authz/internal/audit"
	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// Repository defines persistence for requests, policies and grants.
type Repository interface {
	CreateRequest(ctx context.Context, req AccessRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (AccessRequest, error)
	// DecideRequest flips a pending request to the given terminal status.
	// It returns false when the request is missing or already decided, so
	// approvals cannot be replayed.
	DecideRequest(ctx context.Context, id uuid.UUID, status RequestStatus, decidedBy string, at time.Time) (bool, error)
	ListPendingRequests(ctx context.Context) ([]AccessRequest, error)

	ListPolicies(ctx context.Context) ([]AccessPolicy, error)

	CreateGrant(ctx context.Context, grant TemporaryAccess) error
	GetGrant(ctx context.Context, id uuid.UUID) (TemporaryAccess, error)
	ListActiveGrants(ctx context.Context, userID string) ([]TemporaryAccess, error)
	// DeactivateGrant marks an active grant terminal. It returns false when
	// the grant is missing or already inactive.
	DeactivateGrant(ctx context.Context, id uuid.UUID, status GrantStatus, at time.Time) (bool, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) (TemporaryAccess, error)
	ListExpiredGrantIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListScheduledExpirations(ctx context.Context, now time.Time) ([]TemporaryAccess, error)
}

// ExpiryScheduler schedules the one-shot auto-revocation of a grant.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, grantID uuid.UUID, at time.Time) error
}

// Auditor accepts audit entries. Recording must never block the decision
// already made.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry)
}

// PermissionCache is the evaluator-owned per-user cache; grant lifecycle
// changes evict the affected user.
type PermissionCache interface {
	ClearUserCache(ctx context.Context, userID string) error
}

// Service manages the lifecycle of time-boxed permission elevations.
type Service struct {
	repo      Repository
	scheduler ExpiryScheduler
	auditor   Auditor
	cache     PermissionCache
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time
}

// NewService constructs the temporary access service.
func NewService(repo Repository, scheduler ExpiryScheduler, auditor Auditor, cache PermissionCache, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		scheduler: scheduler,
		auditor:   auditor,
		cache:     cache,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
	}
}

type requestInput struct {
	UserID        string   `validate:"required"`
	Permissions   []string `validate:"required,min=1,dive,required"`
	Reason        string   `validate:"required,min=10"`
	Justification string   `validate:"required,min=20"`
}

var violationMessages = map[string]string{
	"UserID.required":        "user id is required",
	"Permissions.required":   "at least one permission is required",
	"Permissions.min":        "at least one permission is required",
	"Permissions[].required": "permission keys must not be empty",
	"Reason.required":        "reason is required",
	"Reason.min":             "reason must be at least 10 characters",
	"Justification.required": "business justification is required",
	"Justification.min":      "business justification must be at least 20 characters",
}

// validateRequest collects every violation instead of stopping at the first.
func (s *Service) validateRequest(req AccessRequest) error {
	verr := &shared.ValidationError{}

	input := requestInput{
		UserID:        req.UserID,
		Permissions:   req.Permissions,
		Reason:        req.Reason,
		Justification: req.Justification,
	}
	if err := s.validate.Struct(input); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range fieldErrs {
			key := fe.StructField() + "." + fe.Tag()
			if fe.Field() != fe.StructField() {
				key = fe.StructField() + "[]." + fe.Tag()
			}
			if msg, found := violationMessages[key]; found {
				verr.Add("%s", msg)
			} else {
				verr.Add("%s failed %s validation", fe.StructField(), fe.Tag())
			}
		}
	}

	for _, key := range req.Permissions {
		if key == "" {
			continue
		}
		if _, err := authz.ParseKey(key); err != nil {
			verr.Add("permission %q is not a resource:action key", key)
		}
	}
	if req.Duration < MinDuration {
		verr.Add("duration must be at least %s", MinDuration)
	}
	if req.Duration > MaxDuration {
		verr.Add("duration must not exceed %s", MaxDuration)
	}
	switch req.Urgency {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyEmergency:
	default:
		verr.Add("urgency %q is not one of low, normal, high, emergency", req.Urgency)
	}
	if req.MaxUsage < 0 {
		verr.Add("max usage must not be negative")
	}

	if verr.HasViolations() {
		return verr
	}
	return nil
}

// RequestAccess validates an elevation request, matches it against the
// configured policies and either auto-approves it or queues it for human
// approval. The returned ID identifies the request in both cases.
func (s *Service) RequestAccess(ctx context.Context, req AccessRequest) (uuid.UUID, error) {
	if err := s.validateRequest(req); err != nil {
		return uuid.Nil, err
	}

	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("tempaccess: load policies: %w", err)
	}
	policy, ok := matchPolicy(policies, req)
	if !ok {
		return uuid.Nil, ErrNoApplicablePolicy
	}

	now := s.now()
	req.ID = uuid.New()
	req.PolicyID = policy.ID
	req.CreatedAt = now
	req.Status = RequestPending

	autoApproved := policy.AutoApproves(req.Urgency, req.Duration)
	if autoApproved {
		req.Status = RequestApproved
		req.DecidedAt = &now
		req.DecidedBy = "system"
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return uuid.Nil, fmt.Errorf("tempaccess: create request: %w", err)
	}

	s.audit(ctx, req.UserID, "access.requested", map[string]any{
		"request_id": req.ID.String(),
		"policy_id":  policy.ID,
		"urgency":    string(req.Urgency),
		"duration":   req.Duration.String(),
	})

	if autoApproved {
		if _, err := s.grantAccess(ctx, req, policy, "system", req.Permissions, req.Duration, req.MaxUsage, nil); err != nil {
			return uuid.Nil, err
		}
	}
	return req.ID, nil
}

func matchPolicy(policies []AccessPolicy, req AccessRequest) (AccessPolicy, bool) {
	resources := make([]string, 0, len(req.Permissions))
	for _, key := range req.Permissions {
		if perm, err := authz.ParseKey(key); err == nil {
			resources = append(resources, perm.Resource)
		}
	}
	for _, policy := range policies {
		if policy.Matches(resources, req.Duration) {
			return policy, true
		}
	}
	return AccessPolicy{}, false
}

// ProcessApproval decides a pending request. Approvals are single-shot: a
// second decision for the same request fails with shared.ErrNotFound.
func (s *Service) ProcessApproval(ctx context.Context, approval Approval) (bool, error) {
	req, err := s.repo.GetRequest(ctx, approval.RequestID)
	if err != nil {
		return false, err
	}

	// Reject widening attempts before the request is decided, so a bad
	// approval leaves the request pending for someone else.
	if approval.Approve && len(approval.Permissions) > 0 {
		requested := make(map[string]struct{}, len(req.Permissions))
		for _, key := range req.Permissions {
			requested[key] = struct{}{}
		}
		verr := &shared.ValidationError{}
		for _, key := range approval.Permissions {
			if _, ok := requested[key]; !ok {
				verr.Add("permission %q was not requested and cannot be granted", key)
			}
		}
		if verr.HasViolations() {
			return false, verr
		}
	}

	status := RequestDenied
	if approval.Approve {
		status = RequestApproved
	}
	decided, err := s.repo.DecideRequest(ctx, approval.RequestID, status, approval.ApproverID, s.now())
	if err != nil {
		return false, err
	}
	if !decided {
		return false, fmt.Errorf("%w: %s", shared.ErrNotFound, ErrAlreadyProcessed)
	}

	if !approval.Approve {
		s.audit(ctx, req.UserID, "access.denied", map[string]any{
			"request_id": req.ID.String(),
			"approver":   approval.ApproverID,
			"note":       approval.Note,
		})
		return false, nil
	}

	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return false, fmt.Errorf("tempaccess: load policies: %w", err)
	}
	var policy AccessPolicy
	for _, candidate := range policies {
		if candidate.ID == req.PolicyID {
			policy = candidate
			break
		}
	}

	// The approver may narrow the grant relative to the request, never
	// widen it. Widening was rejected above, before the decision landed.
	permissions := req.Permissions
	if len(approval.Permissions) > 0 {
		permissions = approval.Permissions
	}
	duration := req.Duration
	if approval.Duration > 0 && approval.Duration <= req.Duration {
		duration = approval.Duration
	}
	maxUsage := req.MaxUsage
	if approval.MaxUsage > 0 && (maxUsage == 0 || approval.MaxUsage <= maxUsage) {
		maxUsage = approval.MaxUsage
	}

	if _, err := s.grantAccess(ctx, req, policy, approval.ApproverID, permissions, duration, maxUsage, approval.Conditions); err != nil {
		return false, err
	}
	return true, nil
}

// grantAccess inserts the active grant and schedules its expiry. The asynq
// timer is the primary expiry mechanism; the periodic sweep is redundancy.
func (s *Service) grantAccess(ctx context.Context, req AccessRequest, policy AccessPolicy, approvedBy string, permissionKeys []string, duration time.Duration, maxUsage int, extraConditions []authz.Condition) (TemporaryAccess, error) {
	now := s.now()
	permissions := make([]authz.Permission, 0, len(permissionKeys))
	validUntil := now.Add(duration)
	for _, key := range permissionKeys {
		perm, err := authz.ParseKey(key)
		if err != nil {
			return TemporaryAccess{}, err
		}
		perm.ValidFrom = &now
		perm.ValidUntil = &validUntil
		permissions = append(permissions, perm)
	}

	conditions := append(append([]authz.Condition(nil), policy.Conditions...), extraConditions...)
	grant := TemporaryAccess{
		ID:               uuid.New(),
		RequestID:        req.ID,
		UserID:           req.UserID,
		GrantedBy:        approvedBy,
		Permissions:      permissions,
		ValidFrom:        now,
		ValidUntil:       validUntil,
		IsActive:         true,
		Status:           GrantActive,
		ApprovalRequired: approvedBy != "system",
		ApprovedBy:       approvedBy,
		MaxUsage:         maxUsage,
		Conditions:       conditions,
		CreatedAt:        now,
	}
	if err := s.repo.CreateGrant(ctx, grant); err != nil {
		return TemporaryAccess{}, fmt.Errorf("tempaccess: create grant: %w", err)
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleExpiry(ctx, grant.ID, grant.ValidUntil); err != nil {
			// The sweep picks the grant up within one interval; log only.
			if s.logger != nil {
				s.logger.Error("schedule grant expiry", slog.String("grant_id", grant.ID.String()), slog.Any("error", err))
			}
		}
	}
	s.clearCache(ctx, grant.UserID)
	s.audit(ctx, grant.UserID, "access.granted", map[string]any{
		"grant_id":    grant.ID.String(),
		"request_id":  req.ID.String(),
		"approved_by": approvedBy,
		"valid_until": grant.ValidUntil.Format(time.RFC3339),
	})
	return grant, nil
}

// RevokeAccess deactivates a grant. It is idempotent-safe: revoking an
// already inactive or unknown grant returns false without error. The record
// is retained for history.
func (s *Service) RevokeAccess(ctx context.Context, id uuid.UUID, revokedBy, reason string) (bool, error) {
	grant, err := s.repo.GetGrant(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	revoked, err := s.repo.DeactivateGrant(ctx, id, GrantRevoked, s.now())
	if err != nil {
		return false, err
	}
	if !revoked {
		return false, nil
	}
	s.clearCache(ctx, grant.UserID)
	s.audit(ctx, grant.UserID, "access.revoked", map[string]any{
		"grant_id":   id.String(),
		"revoked_by": revokedBy,
		"reason":     reason,
	})
	return true, nil
}

// ExpireGrant is the terminal transition taken by the expiry timer and the
// sweep. Both paths converge here, so expiry stays idempotent.
func (s *Service) ExpireGrant(ctx context.Context, id uuid.UUID) (bool, error) {
	grant, err := s.repo.GetGrant(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	expired, err := s.repo.DeactivateGrant(ctx, id, GrantExpired, s.now())
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}
	s.clearCache(ctx, grant.UserID)
	s.audit(ctx, grant.UserID, "access.expired", map[string]any{"grant_id": id.String()})
	return true, nil
}

// RecordUsage accounts one use of a usage-bounded grant and auto-revokes it
// once the budget is exhausted. Consumers must call this on every use; the
// evaluator never mutates grant state itself.
func (s *Service) RecordUsage(ctx context.Context, id uuid.UUID, pctx authz.PermissionContext) error {
	grant, err := s.repo.GetGrant(ctx, id)
	if err != nil {
		return err
	}
	// A principal accounts usage on its own grants only. Foreign grant IDs
	// look like missing ones.
	if grant.UserID != pctx.UserID {
		return shared.ErrNotFound
	}
	grant, err = s.repo.IncrementUsage(ctx, id)
	if err != nil {
		return err
	}
	s.audit(ctx, grant.UserID, "access.used", map[string]any{
		"grant_id":    id.String(),
		"usage_count": grant.UsageCount,
		"ip_address":  pctx.IPAddress,
	})
	if grant.UsageExhausted() {
		if _, err := s.repo.DeactivateGrant(ctx, id, GrantUsageExhausted, s.now()); err != nil {
			return err
		}
		s.clearCache(ctx, grant.UserID)
		s.audit(ctx, grant.UserID, "access.usage_exhausted", map[string]any{"grant_id": id.String()})
	}
	return nil
}

// ActiveAccess returns the user's currently usable grants: active, inside
// their validity window, with usage headroom.
func (s *Service) ActiveAccess(ctx context.Context, userID string) ([]TemporaryAccess, error) {
	grants, err := s.repo.ListActiveGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	usable := grants[:0:0]
	for _, grant := range grants {
		if grant.Usable(now) {
			usable = append(usable, grant)
		}
	}
	return usable, nil
}

// PendingRequests lists requests awaiting a human decision.
func (s *Service) PendingRequests(ctx context.Context) ([]AccessRequest, error) {
	return s.repo.ListPendingRequests(ctx)
}

// GetRequest fetches a single elevation request.
func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (AccessRequest, error) {
	return s.repo.GetRequest(ctx, id)
}

// SweepExpired revokes every active grant whose window has passed. It backs
// up the per-grant timers; both mechanisms reach the same terminal state.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ids, err := s.repo.ListExpiredGrantIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		did, err := s.ExpireGrant(ctx, id)
		if err != nil {
			return expired, err
		}
		if did {
			expired++
		}
	}
	return expired, nil
}

// RescheduleExpirations re-derives expiry timers from persisted grants. The
// worker calls this at startup so a process restart cannot orphan a grant.
func (s *Service) RescheduleExpirations(ctx context.Context) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	grants, err := s.repo.ListScheduledExpirations(ctx, s.now())
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, grant := range grants {
		if err := s.scheduler.ScheduleExpiry(ctx, grant.ID, grant.ValidUntil); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	return scheduled, nil
}

func (s *Service) clearCache(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ClearUserCache(ctx, userID); err != nil && s.logger != nil {
		s.logger.Warn("clear user permission cache", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, userID, action string, details map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Entry{
		ID:      uuid.New(),
		Action:  action,
		UserID:  userID,
		Details: details,
		At:      s.now(),
	})
}
