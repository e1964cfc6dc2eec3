// Package directory resolves psychologists and patients for the scheduling
// domain.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pats/pats/internal/domain/scheduling"
)

// PG reads the psychologist and patient tables. Inactive rows are treated as
// unknown.
type PG struct {
	pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (d *PG) FindProvider(ctx context.Context, id uuid.UUID) (*scheduling.Principal, error) {
	return d.find(ctx, `SELECT id, full_name, email FROM psychologist WHERE id = $1 AND active`, id)
}

func (d *PG) FindPatient(ctx context.Context, id uuid.UUID) (*scheduling.Principal, error) {
	return d.find(ctx, `SELECT id, full_name, email FROM patient WHERE id = $1 AND active`, id)
}

func (d *PG) find(ctx context.Context, query string, id uuid.UUID) (*scheduling.Principal, error) {
	var p scheduling.Principal
	err := d.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduling.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s: %w", id, err)
	}
	return &p, nil
}
