package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines upload job persistence.
type Repository interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	Complete(ctx context.Context, id uuid.UUID, summary Summary, preview []PreviewRow) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
	MarkConfirmed(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres-backed upload job repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const jobColumns = `id, type, status, file_name, progress, rows, preview, summary,
confirmed, failure_message, submitted_by, created_at, updated_at`

func (r *pgRepository) Create(ctx context.Context, job Job) error {
	rows, err := json.Marshal(job.Rows)
	if err != nil {
		return fmt.Errorf("upload: encode rows: %w", err)
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO upload_jobs
(id, type, status, file_name, progress, rows, submitted_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, NOW(), NOW())`,
		job.ID, string(job.Type), string(job.Status), job.FileName, rows, job.SubmittedBy)
	if err != nil {
		return fmt.Errorf("upload: create job: %w", err)
	}
	return nil
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *pgRepository) List(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM upload_jobs
ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("upload: list jobs: %w", err)
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

func (r *pgRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(ctx, id, StatusRunning)
}

func (r *pgRepository) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := r.pool.Exec(ctx, `UPDATE upload_jobs SET progress = $2, updated_at = NOW()
WHERE id = $1`, id, progress)
	return err
}

func (r *pgRepository) Complete(ctx context.Context, id uuid.UUID, summary Summary, preview []PreviewRow) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("upload: encode summary: %w", err)
	}
	previewJSON, err := json.Marshal(preview)
	if err != nil {
		return fmt.Errorf("upload: encode preview: %w", err)
	}
	_, err = r.pool.Exec(ctx, `UPDATE upload_jobs SET
  status = $2, progress = 100, summary = $3, preview = $4, updated_at = NOW()
WHERE id = $1`, id, string(StatusSucceeded), summaryJSON, previewJSON)
	return err
}

func (r *pgRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	_, err := r.pool.Exec(ctx, `UPDATE upload_jobs SET
  status = $2, failure_message = $3, updated_at = NOW()
WHERE id = $1`, id, string(StatusFailed), message)
	return err
}

func (r *pgRepository) MarkConfirmed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE upload_jobs SET confirmed = TRUE, updated_at = NOW()
WHERE id = $1`, id)
	return err
}

func (r *pgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM upload_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("upload: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) setStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := r.pool.Exec(ctx, `UPDATE upload_jobs SET status = $2, updated_at = NOW()
WHERE id = $1`, id, string(status))
	return err
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	var jobType, status string
	var rowsJSON, previewJSON, summaryJSON []byte
	var failure *string
	err := row.Scan(&job.ID, &jobType, &status, &job.FileName, &job.Progress,
		&rowsJSON, &previewJSON, &summaryJSON, &job.Confirmed, &failure,
		&job.SubmittedBy, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("upload: scan job: %w", err)
	}
	job.Type = Type(jobType)
	job.Status = Status(status)
	if failure != nil {
		job.FailureMessage = *failure
	}
	if len(rowsJSON) > 0 {
		if err := json.Unmarshal(rowsJSON, &job.Rows); err != nil {
			return Job{}, fmt.Errorf("upload: decode rows: %w", err)
		}
	}
	if len(previewJSON) > 0 {
		if err := json.Unmarshal(previewJSON, &job.Preview); err != nil {
			return Job{}, fmt.Errorf("upload: decode preview: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &job.Summary); err != nil {
			return Job{}, fmt.Errorf("upload: decode summary: %w", err)
		}
	}
	return job, nil
}
