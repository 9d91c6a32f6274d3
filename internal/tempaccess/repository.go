package tempaccess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyceum-lms/lyceum-authz/internal/shared"
)

const uniqueViolation = "23505"

// PGRepository persists requests, policies and grants in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateRequest inserts an elevation request.
func (r *PGRepository) CreateRequest(ctx context.Context, req AccessRequest) error {
	perms, err := json.Marshal(req.Permissions)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO access_requests
		(id, user_id, permissions, reason, justification, duration_seconds, urgency, max_usage, status, policy_id, created_at, decided_at, decided_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, req.UserID, perms, req.Reason, req.Justification, int64(req.Duration.Seconds()),
		string(req.Urgency), req.MaxUsage, string(req.Status), req.PolicyID, req.CreatedAt, req.DecidedAt, req.DecidedBy)
	return err
}

// GetRequest fetches a request by ID.
func (r *PGRepository) GetRequest(ctx context.Context, id uuid.UUID) (AccessRequest, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, user_id, permissions, reason, justification, duration_seconds, urgency, max_usage, status, policy_id, created_at, decided_at, decided_by
		FROM access_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// DecideRequest conditionally moves a pending request to a terminal status.
func (r *PGRepository) DecideRequest(ctx context.Context, id uuid.UUID, status RequestStatus, decidedBy string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE access_requests SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`, id, string(status), decidedBy, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListPendingRequests returns requests awaiting approval, oldest first.
func (r *PGRepository) ListPendingRequests(ctx context.Context) ([]AccessRequest, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, permissions, reason, justification, duration_seconds, urgency, max_usage, status, policy_id, created_at, decided_at, decided_by
		FROM access_requests WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListPolicies returns every policy in evaluation order.
func (r *PGRepository) ListPolicies(ctx context.Context) ([]AccessPolicy, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, max_duration_seconds, auto_approve_seconds, required_approvers, approver_roles, permission_categories, conditions, is_active
		FROM access_policies ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccessPolicy
	for rows.Next() {
		var (
			policy             AccessPolicy
			maxSeconds         int64
			autoApproveSeconds int64
			rawApprovers       []byte
			rawCategories      []byte
			rawConditions      []byte
		)
		if err := rows.Scan(&policy.ID, &policy.Name, &maxSeconds, &autoApproveSeconds, &policy.RequiredApprovers, &rawApprovers, &rawCategories, &rawConditions, &policy.IsActive); err != nil {
			return nil, err
		}
		policy.MaxDuration = time.Duration(maxSeconds) * time.Second
		policy.AutoApproveThreshold = time.Duration(autoApproveSeconds) * time.Second
		if err := decodeJSON(rawApprovers, &policy.ApproverRoles); err != nil {
			return nil, fmt.Errorf("tempaccess: decode approver roles for %s: %w", policy.ID, err)
		}
		if err := decodeJSON(rawCategories, &policy.PermissionCategories); err != nil {
			return nil, fmt.Errorf("tempaccess: decode categories for %s: %w", policy.ID, err)
		}
		if err := decodeJSON(rawConditions, &policy.Conditions); err != nil {
			return nil, fmt.Errorf("tempaccess: decode conditions for %s: %w", policy.ID, err)
		}
		out = append(out, policy)
	}
	return out, rows.Err()
}

// CreateGrant inserts an active grant. A unique index on request_id keeps a
// request from producing two grants.
func (r *PGRepository) CreateGrant(ctx context.Context, grant TemporaryAccess) error {
	perms, err := json.Marshal(grant.Permissions)
	if err != nil {
		return err
	}
	conds, err := json.Marshal(grant.Conditions)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO temporary_access
		(id, request_id, user_id, granted_by, permissions, conditions, valid_from, valid_until, is_active, status, approval_required, approved_by, usage_count, max_usage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		grant.ID, grant.RequestID, grant.UserID, grant.GrantedBy, perms, conds,
		grant.ValidFrom, grant.ValidUntil, grant.IsActive, string(grant.Status),
		grant.ApprovalRequired, grant.ApprovedBy, grant.UsageCount, grant.MaxUsage, grant.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyProcessed
		}
		return err
	}
	return nil
}

// GetGrant fetches a grant by ID.
func (r *PGRepository) GetGrant(ctx context.Context, id uuid.UUID) (TemporaryAccess, error) {
	row := r.pool.QueryRow(ctx, grantColumns+` WHERE id = $1`, id)
	grant, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TemporaryAccess{}, shared.ErrNotFound
		}
		return TemporaryAccess{}, err
	}
	return grant, nil
}

// ListActiveGrants returns a user's grants still flagged active. Window and
// usage filtering happens in the service.
func (r *PGRepository) ListActiveGrants(ctx context.Context, userID string) ([]TemporaryAccess, error) {
	rows, err := r.pool.Query(ctx, grantColumns+` WHERE user_id = $1 AND is_active ORDER BY valid_until`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

// DeactivateGrant marks an active grant terminal.
func (r *PGRepository) DeactivateGrant(ctx context.Context, id uuid.UUID, status GrantStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE temporary_access SET is_active = FALSE, status = $2, deactivated_at = $3
		WHERE id = $1 AND is_active`, id, string(status), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementUsage bumps the usage counter and returns the updated grant.
func (r *PGRepository) IncrementUsage(ctx context.Context, id uuid.UUID) (TemporaryAccess, error) {
	row := r.pool.QueryRow(ctx, `UPDATE temporary_access SET usage_count = usage_count + 1 WHERE id = $1 AND is_active
		RETURNING id, request_id, user_id, granted_by, permissions, conditions, valid_from, valid_until, is_active, status, approval_required, approved_by, usage_count, max_usage, created_at`, id)
	grant, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TemporaryAccess{}, shared.ErrNotFound
		}
		return TemporaryAccess{}, err
	}
	return grant, nil
}

// ListExpiredGrantIDs returns active grants whose window has passed.
func (r *PGRepository) ListExpiredGrantIDs(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM temporary_access WHERE is_active AND valid_until <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListScheduledExpirations returns active grants that still need a timer.
func (r *PGRepository) ListScheduledExpirations(ctx context.Context, now time.Time) ([]TemporaryAccess, error) {
	rows, err := r.pool.Query(ctx, grantColumns+` WHERE is_active AND valid_until > $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrants(rows)
}

const grantColumns = `SELECT id, request_id, user_id, granted_by, permissions, conditions, valid_from, valid_until, is_active, status, approval_required, approved_by, usage_count, max_usage, created_at FROM temporary_access`

func scanGrant(row pgx.Row) (TemporaryAccess, error) {
	var (
		grant    TemporaryAccess
		status   string
		rawPerms []byte
		rawConds []byte
	)
	if err := row.Scan(&grant.ID, &grant.RequestID, &grant.UserID, &grant.GrantedBy, &rawPerms, &rawConds,
		&grant.ValidFrom, &grant.ValidUntil, &grant.IsActive, &status, &grant.ApprovalRequired,
		&grant.ApprovedBy, &grant.UsageCount, &grant.MaxUsage, &grant.CreatedAt); err != nil {
		return TemporaryAccess{}, err
	}
	grant.Status = GrantStatus(status)
	if err := decodeJSON(rawPerms, &grant.Permissions); err != nil {
		return TemporaryAccess{}, err
	}
	if err := decodeJSON(rawConds, &grant.Conditions); err != nil {
		return TemporaryAccess{}, err
	}
	return grant, nil
}

func scanGrants(rows pgx.Rows) ([]TemporaryAccess, error) {
	var out []TemporaryAccess
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (AccessRequest, error) {
	var (
		req             AccessRequest
		rawPerms        []byte
		durationSeconds int64
		urgency         string
		status          string
	)
	err := row.Scan(&req.ID, &req.UserID, &rawPerms, &req.Reason, &req.Justification, &durationSeconds,
		&urgency, &req.MaxUsage, &status, &req.PolicyID, &req.CreatedAt, &req.DecidedAt, &req.DecidedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccessRequest{}, shared.ErrNotFound
		}
		return AccessRequest{}, err
	}
	req.Duration = time.Duration(durationSeconds) * time.Second
	req.Urgency = Urgency(urgency)
	req.Status = RequestStatus(status)
	if err := decodeJSON(rawPerms, &req.Permissions); err != nil {
		return AccessRequest{}, err
	}
	return req, nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}
