package hierarchy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// RoleSource supplies role definitions, typically the roles repository.
type RoleSource interface {
	ListRoles(ctx context.Context) ([]Role, error)
}

// Service owns the cached role hierarchy. The cache is instance-scoped and
// rebuilt all-or-nothing: a failed rebuild keeps serving the previous graph.
type Service struct {
	source RoleSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	nodes   map[string]*Node
	builtAt time.Time

	group singleflight.Group
}

// NewService constructs the hierarchy service with the given cache TTL.
func NewService(source RoleSource, ttl time.Duration, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Nodes returns the cached graph, rebuilding it when the TTL elapsed.
// Concurrent rebuild requests collapse into one.
func (s *Service) Nodes(ctx context.Context) (map[string]*Node, error) {
	s.mu.RLock()
	nodes := s.nodes
	fresh := nodes != nil && s.now().Sub(s.builtAt) < s.ttl
	s.mu.RUnlock()
	if fresh {
		return nodes, nil
	}

	rebuilt, err, _ := s.group.Do("rebuild", func() (any, error) {
		roles, err := s.source.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		active := roles[:0:0]
		for _, role := range roles {
			if role.IsActive {
				active = append(active, role)
			}
		}
		built, err := Build(active)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.nodes = built
		s.builtAt = s.now()
		s.mu.Unlock()
		return built, nil
	})
	if err != nil {
		// Keep serving the stale graph if one exists; a broken role edit
		// must not take authorization down.
		s.mu.RLock()
		stale := s.nodes
		s.mu.RUnlock()
		if stale != nil {
			if s.logger != nil {
				s.logger.Error("hierarchy rebuild failed, serving stale graph", slog.Any("error", err))
			}
			return stale, nil
		}
		return nil, err
	}
	return rebuilt.(map[string]*Node), nil
}

// Invalidate drops the cached graph so the next read rebuilds it.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.nodes = nil
	s.builtAt = time.Time{}
	s.mu.Unlock()
}

// EffectivePermissions unions the effective permission sets of the given
// roles, deduplicated by resource:action key.
func (s *Service) EffectivePermissions(ctx context.Context, roleIDs []string) (map[string]authz.Permission, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]authz.Permission)
	for _, id := range roleIDs {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		for key, perm := range node.Effective {
			if _, exists := merged[key]; !exists {
				merged[key] = perm
			}
		}
	}
	return merged, nil
}

// HierarchyPath returns the root-to-role chain for seniority comparisons.
func (s *Service) HierarchyPath(ctx context.Context, roleID string) ([]string, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := nodes[roleID]; !ok {
		return nil, shared.ErrNotFound
	}
	return Path(nodes, roleID), nil
}

// Descendants lists every role transitively inheriting from roleID.
func (s *Service) Descendants(ctx context.Context, roleID string) ([]string, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := nodes[roleID]; !ok {
		return nil, shared.ErrNotFound
	}
	return Descendants(nodes, roleID), nil
}

// CanManageUser reports whether the manager outranks the target. Equal
// seniority is not management authority; lateral escalation stays closed.
func (s *Service) CanManageUser(ctx context.Context, managerRoleIDs, targetRoleIDs []string) (bool, error) {
	nodes, err := s.Nodes(ctx)
	if err != nil {
		return false, err
	}
	managerLevel, managerFound := maxLevel(nodes, managerRoleIDs)
	targetLevel, _ := maxLevel(nodes, targetRoleIDs)
	if !managerFound {
		return false, nil
	}
	return managerLevel > targetLevel, nil
}

func maxLevel(nodes map[string]*Node, roleIDs []string) (int, bool) {
	level := 0
	found := false
	for _, id := range roleIDs {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		if !found || node.Role.Level > level {
			level = node.Role.Level
		}
		found = true
	}
	return level, found
}
