package bankimport

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
)

// Repository defines bank import persistence.
type Repository interface {
	CreateJob(ctx context.Context, job Job, lines []Line) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	SetJobStatus(ctx context.Context, id int64, status Status) error
	ListLines(ctx context.Context, jobID int64) ([]Line, error)
	GetLine(ctx context.Context, jobID, lineID int64) (Line, error)
	UpdateLineMatch(ctx context.Context, lineID int64, counterpartyID *int64, confidence float64, status LineStatus) error
	UpdateLineStatus(ctx context.Context, lineID int64, status LineStatus) error
	SetLineTransaction(ctx context.Context, lineID, transactionID int64) error
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres-backed bank import repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const jobColumns = `id, file_name, status, line_count, submitted_by, created_at, updated_at`
const lineColumns = `id, job_id, line_no, raw_text, date, amount, direction,
counterparty_id, confidence, status, transaction_id, problems`

func (r *pgRepository) CreateJob(ctx context.Context, job Job, lines []Line) (Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("bankimport: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `INSERT INTO bank_import_jobs (file_name, status, line_count, submitted_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
RETURNING `+jobColumns, job.FileName, string(job.Status), len(lines), job.SubmittedBy)
	created, err := scanJob(row)
	if err != nil {
		return Job{}, err
	}
	for _, line := range lines {
		_, err := tx.Exec(ctx, `INSERT INTO bank_import_lines
(job_id, line_no, raw_text, date, amount, direction, confidence, status, problems)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
			created.ID, line.LineNo, line.RawText, line.Date, line.Amount,
			string(line.Direction), string(line.Status), line.Problems)
		if err != nil {
			return Job{}, fmt.Errorf("bankimport: insert line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("bankimport: commit: %w", err)
	}
	return created, nil
}

func (r *pgRepository) GetJob(ctx context.Context, id int64) (Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM bank_import_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *pgRepository) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM bank_import_jobs
ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("bankimport: list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *pgRepository) SetJobStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE bank_import_jobs SET status = $2, updated_at = NOW()
WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) ListLines(ctx context.Context, jobID int64) ([]Line, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM bank_import_lines
WHERE job_id = $1 ORDER BY line_no ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("bankimport: list lines: %w", err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r *pgRepository) GetLine(ctx context.Context, jobID, lineID int64) (Line, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+lineColumns+` FROM bank_import_lines
WHERE id = $1 AND job_id = $2`, lineID, jobID)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Line{}, ErrLineNotFound
		}
		return Line{}, err
	}
	return line, nil
}

func (r *pgRepository) UpdateLineMatch(ctx context.Context, lineID int64, counterpartyID *int64, confidence float64, status LineStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE bank_import_lines SET
  counterparty_id = $2, confidence = $3, status = $4
WHERE id = $1`, lineID, counterpartyID, confidence, string(status))
	return err
}

func (r *pgRepository) UpdateLineStatus(ctx context.Context, lineID int64, status LineStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE bank_import_lines SET status = $2 WHERE id = $1`, lineID, string(status))
	return err
}

func (r *pgRepository) SetLineTransaction(ctx context.Context, lineID, transactionID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE bank_import_lines SET
  transaction_id = $2, status = $3
WHERE id = $1`, lineID, transactionID, string(LineStatusConfirmed))
	return err
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	var status string
	err := row.Scan(&job.ID, &job.FileName, &status, &job.LineCount,
		&job.SubmittedBy, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("bankimport: scan job: %w", err)
	}
	job.Status = Status(status)
	return job, nil
}

func scanLine(row pgx.Row) (Line, error) {
	var line Line
	var direction, status string
	err := row.Scan(&line.ID, &line.JobID, &line.LineNo, &line.RawText, &line.Date,
		&line.Amount, &direction, &line.CounterpartyID, &line.Confidence,
		&status, &line.TransactionID, &line.Problems)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, ErrNotFound
		}
		return Line{}, fmt.Errorf("bankimport: scan line: %w", err)
	}
	line.Direction = allocation.Direction(direction)
	line.Status = LineStatus(status)
	return line, nil
}
