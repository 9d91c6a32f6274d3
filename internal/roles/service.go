package roles

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lyceum-lms/lyceum-authz/internal/hierarchy"
)

// ErrNotManager indicates the actor does not outrank the target user.
var ErrNotManager = errors.New("roles: insufficient seniority to manage user")

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]hierarchy.Role, error)
	GetRole(ctx context.Context, id string) (RoleSummary, error)
	ListRoleSummaries(ctx context.Context) ([]RoleSummary, error)
	UserRoleIDs(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// Seniority answers management-authority questions over the role graph.
type Seniority interface {
	CanManageUser(ctx context.Context, managerRoleIDs, targetRoleIDs []string) (bool, error)
	Invalidate()
}

// PermissionCache is the per-user effective-permission cache owned by the
// evaluator; role assignment changes must evict the affected user.
type PermissionCache interface {
	ClearUserCache(ctx context.Context, userID string) error
}

// Service handles role assignment business logic.
type Service struct {
	repo      RepositoryPort
	seniority Seniority
	cache     PermissionCache
	logger    *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, seniority Seniority, cache PermissionCache, logger *slog.Logger) *Service {
	return &Service{repo: repo, seniority: seniority, cache: cache, logger: logger}
}

// ListRoles returns flat summaries of all roles.
func (s *Service) ListRoles(ctx context.Context) ([]RoleSummary, error) {
	return s.repo.ListRoleSummaries(ctx)
}

// GetRole returns a single role summary.
func (s *Service) GetRole(ctx context.Context, id string) (RoleSummary, error) {
	return s.repo.GetRole(ctx, id)
}

// UserRoleIDs returns the role IDs assigned to a user.
func (s *Service) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	return s.repo.UserRoleIDs(ctx, userID)
}

// AssignRole links a role to the target user after a seniority check: the
// actor's best role level must strictly exceed the target's.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID string) error {
	if err := s.requireSeniority(ctx, actorID, userID); err != nil {
		return err
	}
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.repo.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// RemoveRole unlinks a role from the target user after a seniority check.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID string) error {
	if err := s.requireSeniority(ctx, actorID, userID); err != nil {
		return err
	}
	if err := s.repo.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Service) requireSeniority(ctx context.Context, actorID, targetID string) error {
	actorRoles, err := s.repo.UserRoleIDs(ctx, actorID)
	if err != nil {
		return err
	}
	targetRoles, err := s.repo.UserRoleIDs(ctx, targetID)
	if err != nil {
		return err
	}
	ok, err := s.seniority.CanManageUser(ctx, actorRoles, targetRoles)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotManager
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	s.seniority.Invalidate()
	if s.cache == nil {
		return
	}
	if err := s.cache.ClearUserCache(ctx, userID); err != nil && s.logger != nil {
		s.logger.Warn("clear user permission cache", slog.String("user_id", userID), slog.Any("error", err))
	}
}
