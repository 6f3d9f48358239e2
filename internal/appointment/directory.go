package appointment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves doctor/branch assignments owned by another service.
type Directory interface {
	ListDoctorsForBranch(ctx context.Context, branchID uuid.UUID) ([]uuid.UUID, error)
	ListBranchesForDoctor(ctx context.Context, doctorID uuid.UUID) ([]uuid.UUID, error)
}

// PgDirectory reads the doctor_branches assignment table.
type PgDirectory struct {
	pool pgxPool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	if pool == nil {
		panic("appointment: pgx pool required")
	}
	return &PgDirectory{pool: pool}
}

func (d *PgDirectory) ListDoctorsForBranch(ctx context.Context, branchID uuid.UUID) ([]uuid.UUID, error) {
	return d.listIDs(ctx, `
		SELECT doctor_id
		FROM doctor_branches
		WHERE branch_id = $1 AND active
		ORDER BY doctor_id
	`, branchID)
}

func (d *PgDirectory) ListBranchesForDoctor(ctx context.Context, doctorID uuid.UUID) ([]uuid.UUID, error) {
	return d.listIDs(ctx, `
		SELECT branch_id
		FROM doctor_branches
		WHERE doctor_id = $1 AND active
		ORDER BY branch_id
	`, doctorID)
}

func (d *PgDirectory) listIDs(ctx context.Context, query string, arg uuid.UUID) ([]uuid.UUID, error) {
	rows, err := d.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query doctor_branches: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
