package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyceum-lms/lyceum-authz/internal/authz"
	"github.com/lyceum-lms/lyceum-authz/internal/hierarchy"
	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

// Repository provides PostgreSQL backed persistence for role definitions and
// user assignments. The engine only ever reads definitions; edits go through
// the same pool but always invalidate the hierarchy cache via the service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type storedPermission struct {
	Module     string                 `json:"module"`
	Resource   string                 `json:"resource"`
	Action     string                 `json:"action"`
	Conditions []authz.Condition      `json:"conditions,omitempty"`
	ValidFrom  *time.Time             `json:"valid_from,omitempty"`
	ValidUntil *time.Time             `json:"valid_until,omitempty"`
	Schedule   []authz.ScheduleWindow `json:"schedule,omitempty"`
}

// ListRoles loads every role definition with inheritance edges and grouped
// permissions, ready for the hierarchy builder.
func (r *Repository) ListRoles(ctx context.Context) ([]hierarchy.Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, level, is_system, is_active, permissions FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*hierarchy.Role)
	var order []string
	for rows.Next() {
		var (
			role     hierarchy.Role
			rawPerms []byte
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Level, &role.IsSystem, &role.IsActive, &rawPerms); err != nil {
			return nil, fmt.Errorf("roles: scan role: %w", err)
		}
		role.Permissions = make(map[string][]authz.Permission)
		if len(rawPerms) > 0 {
			var stored []storedPermission
			if err := json.Unmarshal(rawPerms, &stored); err != nil {
				return nil, fmt.Errorf("roles: decode permissions for %s: %w", role.ID, err)
			}
			for _, sp := range stored {
				role.Permissions[sp.Module] = append(role.Permissions[sp.Module], authz.Permission{
					Resource:   sp.Resource,
					Action:     sp.Action,
					Conditions: sp.Conditions,
					ValidFrom:  sp.ValidFrom,
					ValidUntil: sp.ValidUntil,
					Schedule:   sp.Schedule,
				})
			}
		}
		byID[role.ID] = &role
		order = append(order, role.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edges, err := r.pool.Query(ctx, `SELECT role_id, parent_id FROM role_inherits ORDER BY role_id, parent_id`)
	if err != nil {
		return nil, fmt.Errorf("roles: list inheritance: %w", err)
	}
	defer edges.Close()
	for edges.Next() {
		var roleID, parentID string
		if err := edges.Scan(&roleID, &parentID); err != nil {
			return nil, fmt.Errorf("roles: scan inheritance: %w", err)
		}
		if role, ok := byID[roleID]; ok {
			role.InheritsFrom = append(role.InheritsFrom, parentID)
		}
	}
	if err := edges.Err(); err != nil {
		return nil, err
	}

	out := make([]hierarchy.Role, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// GetRole fetches a single role summary.
func (r *Repository) GetRole(ctx context.Context, id string) (RoleSummary, error) {
	var summary RoleSummary
	err := r.pool.QueryRow(ctx, `SELECT id, name, level, is_system, is_active, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&summary.ID, &summary.Name, &summary.Level, &summary.IsSystem, &summary.IsActive, &summary.CreatedAt, &summary.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RoleSummary{}, shared.ErrNotFound
		}
		return RoleSummary{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT parent_id FROM role_inherits WHERE role_id = $1 ORDER BY parent_id`, id)
	if err != nil {
		return RoleSummary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var parentID string
		if err := rows.Scan(&parentID); err != nil {
			return RoleSummary{}, err
		}
		summary.InheritsFrom = append(summary.InheritsFrom, parentID)
	}
	return summary, rows.Err()
}

// ListRoleSummaries returns the flat listing of all roles.
func (r *Repository) ListRoleSummaries(ctx context.Context) ([]RoleSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, level, is_system, is_active, created_at, updated_at FROM roles ORDER BY level DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RoleSummary
	for rows.Next() {
		var summary RoleSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.Level, &summary.IsSystem, &summary.IsActive, &summary.CreatedAt, &summary.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// UserRoleIDs returns the role IDs assigned to a user.
func (r *Repository) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1 ORDER BY role_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("roles: user roles: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AssignRole links a role to a user, ignoring duplicates.
func (r *Repository) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

// RemoveRole unlinks a role from a user.
func (r *Repository) RemoveRole(ctx context.Context, userID, roleID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
