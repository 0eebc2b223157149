package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound indicates that the directory has no matching record.
	ErrNotFound = errors.New("rbac: not found")
	// ErrUnknownResourceType indicates that ownership cannot be resolved for a type.
	ErrUnknownResourceType = errors.New("rbac: unknown resource type")
)

// Directory resolves (user, organization) pairs to role assignments.
type Directory interface {
	// Lookup returns ErrNotFound when the user has no role in the organization.
	Lookup(ctx context.Context, userID, orgID string) (*RoleAssignment, error)
	ListMembers(ctx context.Context, orgID string) ([]RoleAssignment, error)
}

// ResourceRepository answers ownership questions about stored resources.
type ResourceRepository interface {
	// OwnerOf returns ErrNotFound when the resource does not exist.
	OwnerOf(ctx context.Context, resourceType, resourceID string) (string, error)
}

// PostgresDirectory reads role assignments from the memberships table. A
// membership row with a NULL organization_id is a system-level role.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs the directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Lookup implements Directory.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID, orgID string) (*RoleAssignment, error) {
	const query = `SELECT role, created_at FROM memberships
WHERE user_id = $1 AND organization_id IS NOT DISTINCT FROM NULLIF($2, '')`
	var (
		role       string
		assignment = RoleAssignment{UserID: userID, OrganizationID: orgID}
	)
	if err := d.pool.QueryRow(ctx, query, userID, orgID).Scan(&role, &assignment.AssignedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("rbac directory: lookup: %w", err)
	}
	assignment.Role = ParseRole(role)
	return &assignment, nil
}

// ListMembers implements Directory.
func (d *PostgresDirectory) ListMembers(ctx context.Context, orgID string) ([]RoleAssignment, error) {
	const query = `SELECT user_id, role, created_at FROM memberships WHERE organization_id = $1 ORDER BY created_at`
	rows, err := d.pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("rbac directory: list members: %w", err)
	}
	defer rows.Close()
	var members []RoleAssignment
	for rows.Next() {
		var (
			m    = RoleAssignment{OrganizationID: orgID}
			role string
		)
		if err := rows.Scan(&m.UserID, &role, &m.AssignedAt); err != nil {
			return nil, fmt.Errorf("rbac directory: scan member: %w", err)
		}
		m.Role = ParseRole(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// SetRole upserts the role of a user within an organization.
func (d *PostgresDirectory) SetRole(ctx context.Context, userID, orgID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("rbac directory: invalid role %q", role)
	}
	const query = `INSERT INTO memberships (user_id, organization_id, role, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (user_id, organization_id) DO UPDATE SET role = EXCLUDED.role`
	if _, err := d.pool.Exec(ctx, query, userID, orgID, string(role)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("rbac directory: set role: %w", err)
	}
	return nil
}

// PostgresResources resolves resource owners from their creator columns.
type PostgresResources struct {
	pool *pgxpool.Pool
}

// NewPostgresResources constructs the repository.
func NewPostgresResources(pool *pgxpool.Pool) *PostgresResources {
	return &PostgresResources{pool: pool}
}

var ownerQueries = map[string]string{
	ResourceFeedback: `SELECT created_by FROM feedback WHERE id = $1`,
	ResourceComment:  `SELECT created_by FROM feedback_comments WHERE id = $1`,
}

// OwnerOf implements ResourceRepository.
func (r *PostgresResources) OwnerOf(ctx context.Context, resourceType, resourceID string) (string, error) {
	query, ok := ownerQueries[resourceType]
	if !ok {
		return "", ErrUnknownResourceType
	}
	var owner string
	if err := r.pool.QueryRow(ctx, query, resourceID).Scan(&owner); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("rbac resources: owner of %s: %w", resourceType, err)
	}
	return owner, nil
}
