package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines activity ledger data access.
type Repository interface {
	Insert(ctx context.Context, entry Entry) (int64, error)
	InsertBatch(ctx context.Context, entries []Entry) error
	List(ctx context.Context, f Filters) ([]Entry, int, error)
	ListTraces(ctx context.Context, f Filters) ([]Entry, error)
	ListByTrace(ctx context.Context, traceID uuid.UUID) ([]Entry, error)
	DeleteAll(ctx context.Context) (int64, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres-backed activity repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const insertEntrySQL = `INSERT INTO activity_log (trace_id, action, actor, target_kind, target_id, before, after, item_count, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
RETURNING id`

func (r *pgRepository) Insert(ctx context.Context, entry Entry) (int64, error) {
	before, after, err := marshalSnapshots(entry)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.pool.QueryRow(ctx, insertEntrySQL,
		entry.TraceID, string(entry.Action), entry.Actor, entry.TargetKind, entry.TargetID,
		before, after, entry.ItemCount, nullableTime(entry.At)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("activity: insert: %w", err)
	}
	return id, nil
}

func (r *pgRepository) InsertBatch(ctx context.Context, entries []Entry) error {
	batch := &pgx.Batch{}
	for _, entry := range entries {
		before, after, err := marshalSnapshots(entry)
		if err != nil {
			return err
		}
		batch.Queue(insertEntrySQL,
			entry.TraceID, string(entry.Action), entry.Actor, entry.TargetKind, entry.TargetID,
			before, after, entry.ItemCount, nullableTime(entry.At))
	}
	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("activity: insert batch: %w", err)
		}
	}
	return nil
}

func (r *pgRepository) List(ctx context.Context, f Filters) ([]Entry, int, error) {
	where, args := buildFilter(f)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("activity: count: %w", err)
	}
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	query := `SELECT id, trace_id, action, actor, target_kind, target_id, before, after, item_count, at
FROM activity_log` + where + fmt.Sprintf(` ORDER BY at DESC, id DESC LIMIT %d OFFSET %d`, perPage, (page-1)*perPage)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("activity: list: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListTraces returns one representative entry per trace id: the batch summary
// row when one exists, otherwise the single entry of the trace. The indexed
// trace_id column keeps the drill-down query cheap.
func (r *pgRepository) ListTraces(ctx context.Context, f Filters) ([]Entry, error) {
	where, args := buildFilter(f)
	query := `SELECT DISTINCT ON (trace_id) id, trace_id, action, actor, target_kind, target_id, before, after, item_count, at
FROM activity_log` + where + ` ORDER BY trace_id, item_count DESC, at ASC`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("activity: list traces: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgRepository) ListByTrace(ctx context.Context, traceID uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, trace_id, action, actor, target_kind, target_id, before, after, item_count, at
FROM activity_log WHERE trace_id = $1 ORDER BY at ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("activity: list by trace: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *pgRepository) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM activity_log`)
	if err != nil {
		return 0, fmt.Errorf("activity: delete all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func buildFilter(f Filters) (string, []any) {
	var clauses []string
	var args []any
	if f.Category != "" {
		args = append(args, f.Category+".%")
		clauses = append(clauses, fmt.Sprintf("action LIKE $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf("(target_id ILIKE $%d OR actor ILIKE $%d)", n, n))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("at < $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			action string
			before []byte
			after  []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TraceID, &action, &entry.Actor, &entry.TargetKind,
			&entry.TargetID, &before, &after, &entry.ItemCount, &entry.At); err != nil {
			return nil, fmt.Errorf("activity: scan: %w", err)
		}
		entry.Action = Action(action)
		if len(before) > 0 {
			_ = json.Unmarshal(before, &entry.Before)
		}
		if len(after) > 0 {
			_ = json.Unmarshal(after, &entry.After)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: rows: %w", err)
	}
	return entries, nil
}

func marshalSnapshots(entry Entry) ([]byte, []byte, error) {
	before, err := json.Marshal(entry.Before)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: marshal before: %w", err)
	}
	after, err := json.Marshal(entry.After)
	if err != nil {
		return nil, nil, fmt.Errorf("activity: marshal after: %w", err)
	}
	return before, after, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
