package feedback

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedlane/feedlane/internal/platform/db"
	"github.com/feedlane/feedlane/internal/platform/httpx"
)

// Repository persists feedback.
type Repository interface {
	List(ctx context.Context, orgID string, limit, offset int) ([]Feedback, int, error)
	Create(ctx context.Context, f Feedback) (Feedback, error)
	Update(ctx context.Context, orgID, id string, in UpdateInput) (Feedback, error)
	Delete(ctx context.Context, orgID, id string) error
}

// PostgresRepository implements Repository on pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const feedbackColumns = `id, organization_id, created_by, title, body, kind, status, created_at, updated_at`

func scanFeedback(row pgx.Row) (Feedback, error) {
	var f Feedback
	err := row.Scan(&f.ID, &f.OrganizationID, &f.AuthorID, &f.Title, &f.Body, &f.Kind, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, orgID string, limit, offset int) ([]Feedback, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM feedback WHERE organization_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("feedback: count: %w", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE organization_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("feedback: list: %w", err)
	}
	defer rows.Close()

	items := make([]Feedback, 0, limit)
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("feedback: scan: %w", err)
		}
		items = append(items, f)
	}
	return items, total, rows.Err()
}

// Create implements Repository. ID and timestamps are assigned here.
func (r *PostgresRepository) Create(ctx context.Context, f Feedback) (Feedback, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO feedback (id, organization_id, created_by, title, body, kind, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING `+feedbackColumns,
		f.ID, f.OrganizationID, f.AuthorID, f.Title, f.Body, f.Kind, f.Status)
	created, err := scanFeedback(row)
	if err != nil {
		return Feedback{}, fmt.Errorf("feedback: create: %w", err)
	}
	return created, nil
}

// Update implements Repository.
func (r *PostgresRepository) Update(ctx context.Context, orgID, id string, in UpdateInput) (Feedback, error) {
	row := r.pool.QueryRow(ctx, `UPDATE feedback SET
			title = COALESCE($3, title),
			body = COALESCE($4, body),
			status = COALESCE($5, status),
			updated_at = NOW()
		WHERE organization_id = $1 AND id = $2
		RETURNING `+feedbackColumns, orgID, id, in.Title, in.Body, in.Status)
	updated, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Feedback{}, fmt.Errorf("feedback %s: %w", id, httpx.ErrNotFound)
		}
		return Feedback{}, fmt.Errorf("feedback: update: %w", err)
	}
	return updated, nil
}

// Delete implements Repository. Comments go with the item.
func (r *PostgresRepository) Delete(ctx context.Context, orgID, id string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM feedback_comments WHERE feedback_id = $1`, id); err != nil {
			return fmt.Errorf("feedback: delete comments: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM feedback WHERE organization_id = $1 AND id = $2`, orgID, id)
		if err != nil {
			return fmt.Errorf("feedback: delete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("feedback %s: %w", id, httpx.ErrNotFound)
		}
		return nil
	})
}
