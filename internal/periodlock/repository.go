package periodlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Repository defines period lock persistence.
type Repository interface {
	Get(ctx context.Context, period shared.Period) (PeriodLock, error)
	List(ctx context.Context, year int) ([]PeriodLock, error)
	Lock(ctx context.Context, period shared.Period, by string, at time.Time, description string) (PeriodLock, error)
	Unlock(ctx context.Context, period shared.Period, description string) (PeriodLock, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres-backed period lock repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const lockColumns = `period, status, locked_by, locked_at, description, updated_at`

func (r *pgRepository) Get(ctx context.Context, period shared.Period) (PeriodLock, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lockColumns+` FROM period_locks WHERE period = $1`, period.String())
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Unknown periods are implicitly open.
			return PeriodLock{Period: period, Status: StatusOpen}, nil
		}
		return PeriodLock{}, err
	}
	return lock, nil
}

func (r *pgRepository) List(ctx context.Context, year int) ([]PeriodLock, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lockColumns+` FROM period_locks
WHERE period LIKE $1 ORDER BY period ASC`, fmt.Sprintf("%04d-%%", year))
	if err != nil {
		return nil, fmt.Errorf("periodlock: list: %w", err)
	}
	defer rows.Close()
	var out []PeriodLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

func (r *pgRepository) Lock(ctx context.Context, period shared.Period, by string, at time.Time, description string) (PeriodLock, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO period_locks (period, status, locked_by, locked_at, description, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (period) DO UPDATE SET
  status = EXCLUDED.status,
  locked_by = EXCLUDED.locked_by,
  locked_at = EXCLUDED.locked_at,
  description = EXCLUDED.description,
  updated_at = NOW()
RETURNING `+lockColumns,
		period.String(), string(StatusLocked), by, at, description)
	return scanLock(row)
}

func (r *pgRepository) Unlock(ctx context.Context, period shared.Period, description string) (PeriodLock, error) {
	row := r.pool.QueryRow(ctx, `UPDATE period_locks SET
  status = $2, locked_by = NULL, locked_at = NULL, description = $3, updated_at = NOW()
WHERE period = $1
RETURNING `+lockColumns, period.String(), string(StatusOpen), description)
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodLock{}, ErrNotLocked
		}
		return PeriodLock{}, err
	}
	return lock, nil
}

func scanLock(row pgx.Row) (PeriodLock, error) {
	var lock PeriodLock
	var period, status string
	var lockedBy *string
	err := row.Scan(&period, &status, &lockedBy, &lock.LockedAt, &lock.Description, &lock.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PeriodLock{}, pgx.ErrNoRows
		}
		return PeriodLock{}, fmt.Errorf("periodlock: scan: %w", err)
	}
	lock.Period = shared.Period(period)
	lock.Status = Status(status)
	if lockedBy != nil {
		lock.LockedBy = *lockedBy
	}
	return lock, nil
}
