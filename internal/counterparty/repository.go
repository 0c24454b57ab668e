package counterparty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines counterparty and alias data access.
type Repository interface {
	Get(ctx context.Context, id int64) (Counterparty, error)
	List(ctx context.Context, f ListFilter) ([]Counterparty, error)
	Create(ctx context.Context, in CreateInput) (Counterparty, error)
	Update(ctx context.Context, id int64, in UpdateInput) (Counterparty, error)
	Delete(ctx context.Context, id int64) error
	HasVoucherLinks(ctx context.Context, id int64) (bool, error)
	HasAliases(ctx context.Context, id int64) (bool, error)

	CreateAlias(ctx context.Context, text string, counterpartyID int64) (Alias, error)
	DeleteAlias(ctx context.Context, aliasID int64) error
	GetAlias(ctx context.Context, aliasID int64) (Alias, error)
	ListAliases(ctx context.Context, counterpartyID int64) ([]Alias, error)
	TouchAliases(ctx context.Context, normalizedTexts []string, at time.Time) error

	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the postgres-backed counterparty repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const counterpartyColumns = `id, name, kind, active, favorite, created_at, updated_at`

func (r *pgRepository) Get(ctx context.Context, id int64) (Counterparty, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+counterpartyColumns+` FROM counterparties WHERE id = $1`, id)
	return scanCounterparty(row)
}

func (r *pgRepository) List(ctx context.Context, f ListFilter) ([]Counterparty, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		clauses = append(clauses, fmt.Sprintf("(kind = $%d OR kind = 'BOTH')", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		clauses = append(clauses, fmt.Sprintf("active = $%d", len(args)))
	}
	if f.Favorite != nil {
		args = append(args, *f.Favorite)
		clauses = append(clauses, fmt.Sprintf("favorite = $%d", len(args)))
	}
	query := `SELECT ` + counterpartyColumns + ` FROM counterparties`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY favorite DESC, name ASC"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counterparty: list: %w", err)
	}
	defer rows.Close()
	var out []Counterparty
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (r *pgRepository) Create(ctx context.Context, in CreateInput) (Counterparty, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO counterparties (name, kind, active, favorite)
VALUES ($1, $2, TRUE, $3)
RETURNING `+counterpartyColumns, strings.TrimSpace(in.Name), string(in.Kind), in.Favorite)
	cp, err := scanCounterparty(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Counterparty{}, ErrNameTaken
		}
		return Counterparty{}, err
	}
	return cp, nil
}

func (r *pgRepository) Update(ctx context.Context, id int64, in UpdateInput) (Counterparty, error) {
	row := r.pool.QueryRow(ctx, `UPDATE counterparties SET
  name = COALESCE($2, name),
  kind = COALESCE($3, kind),
  active = COALESCE($4, active),
  favorite = COALESCE($5, favorite),
  updated_at = NOW()
WHERE id = $1
RETURNING `+counterpartyColumns, id, in.Name, (*string)(in.Kind), in.Active, in.Favorite)
	cp, err := scanCounterparty(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Counterparty{}, ErrNameTaken
		}
		return Counterparty{}, err
	}
	return cp, nil
}

func (r *pgRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM counterparties WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("counterparty: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) HasVoucherLinks(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM vouchers WHERE counterparty_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("counterparty: voucher links: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) HasAliases(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM counterparty_aliases WHERE counterparty_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("counterparty: alias links: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) CreateAlias(ctx context.Context, text string, counterpartyID int64) (Alias, error) {
	var alias Alias
	err := r.pool.QueryRow(ctx, `INSERT INTO counterparty_aliases (text, normalized, counterparty_id, last_used_at)
VALUES ($1, $2, $3, NOW())
RETURNING id, text, counterparty_id, last_used_at, created_at`,
		strings.TrimSpace(text), Normalize(text), counterpartyID).
		Scan(&alias.ID, &alias.Text, &alias.CounterpartyID, &alias.LastUsedAt, &alias.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Alias{}, ErrAliasTaken
		}
		if isForeignKeyViolation(err) {
			return Alias{}, ErrNotFound
		}
		return Alias{}, fmt.Errorf("counterparty: create alias: %w", err)
	}
	return alias, nil
}

func (r *pgRepository) DeleteAlias(ctx context.Context, aliasID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM counterparty_aliases WHERE id = $1`, aliasID)
	if err != nil {
		return fmt.Errorf("counterparty: delete alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAliasNotFound
	}
	return nil
}

func (r *pgRepository) GetAlias(ctx context.Context, aliasID int64) (Alias, error) {
	var alias Alias
	err := r.pool.QueryRow(ctx, `SELECT id, text, counterparty_id, last_used_at, created_at
FROM counterparty_aliases WHERE id = $1`, aliasID).
		Scan(&alias.ID, &alias.Text, &alias.CounterpartyID, &alias.LastUsedAt, &alias.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alias{}, ErrAliasNotFound
		}
		return Alias{}, fmt.Errorf("counterparty: get alias: %w", err)
	}
	return alias, nil
}

func (r *pgRepository) ListAliases(ctx context.Context, counterpartyID int64) ([]Alias, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, text, counterparty_id, last_used_at, created_at
FROM counterparty_aliases WHERE counterparty_id = $1 ORDER BY last_used_at DESC`, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("counterparty: list aliases: %w", err)
	}
	defer rows.Close()
	var out []Alias
	for rows.Next() {
		var alias Alias
		if err := rows.Scan(&alias.ID, &alias.Text, &alias.CounterpartyID, &alias.LastUsedAt, &alias.CreatedAt); err != nil {
			return nil, fmt.Errorf("counterparty: scan alias: %w", err)
		}
		out = append(out, alias)
	}
	return out, rows.Err()
}

func (r *pgRepository) TouchAliases(ctx context.Context, normalizedTexts []string, at time.Time) error {
	if len(normalizedTexts) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE counterparty_aliases SET last_used_at = $2 WHERE normalized = ANY($1)`,
		normalizedTexts, at)
	if err != nil {
		return fmt.Errorf("counterparty: touch aliases: %w", err)
	}
	return nil
}

func (r *pgRepository) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+counterpartyColumns+` FROM counterparties WHERE active = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("counterparty: snapshot counterparties: %w", err)
	}
	defer rows.Close()
	var counterparties []Counterparty
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		counterparties = append(counterparties, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aliasRows, err := r.pool.Query(ctx, `SELECT id, text, counterparty_id, last_used_at, created_at FROM counterparty_aliases`)
	if err != nil {
		return nil, fmt.Errorf("counterparty: snapshot aliases: %w", err)
	}
	defer aliasRows.Close()
	var aliases []Alias
	for aliasRows.Next() {
		var alias Alias
		if err := aliasRows.Scan(&alias.ID, &alias.Text, &alias.CounterpartyID, &alias.LastUsedAt, &alias.CreatedAt); err != nil {
			return nil, fmt.Errorf("counterparty: scan alias: %w", err)
		}
		aliases = append(aliases, alias)
	}
	if err := aliasRows.Err(); err != nil {
		return nil, err
	}
	return NewSnapshot(counterparties, aliases), nil
}

func scanCounterparty(row pgx.Row) (Counterparty, error) {
	var cp Counterparty
	var kind string
	err := row.Scan(&cp.ID, &cp.Name, &kind, &cp.Active, &cp.Favorite, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Counterparty{}, ErrNotFound
		}
		return Counterparty{}, fmt.Errorf("counterparty: scan: %w", err)
	}
	cp.Kind = Kind(kind)
	return cp, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
