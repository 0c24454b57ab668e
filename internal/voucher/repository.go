package voucher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/db"
	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Repository defines voucher and change-request data access.
type Repository interface {
	Get(ctx context.Context, id int64) (Voucher, error)
	GetByKey(ctx context.Context, counterpartyID int64, kind Kind, number string) (Voucher, error)
	List(ctx context.Context, f ListFilter) ([]Voucher, int, error)
	Create(ctx context.Context, v Voucher) (Voucher, error)
	Update(ctx context.Context, id int64, in UpdateInput) (Voucher, error)
	Delete(ctx context.Context, id int64) error

	HasAllocations(ctx context.Context, id int64) (bool, error)
	HasAdjustments(ctx context.Context, id int64) (bool, error)
	AllocatedAmount(ctx context.Context, id int64) (decimal.Decimal, error)
	SetStatuses(ctx context.Context, id int64, ss SettlementStatus, ps PaymentStatus) error
	ForceStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error)
	RestoreStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error)

	CreateChangeRequest(ctx context.Context, cr ChangeRequest) (ChangeRequest, error)
	GetChangeRequest(ctx context.Context, id int64) (ChangeRequest, error)
	ListChangeRequests(ctx context.Context, status ChangeRequestStatus, period shared.Period) ([]ChangeRequest, error)
	DecideChangeRequest(ctx context.Context, id int64, status ChangeRequestStatus, actor string, at time.Time) error
	HasPendingChange(ctx context.Context, voucherID int64) (bool, error)
	HasDecidedChanges(ctx context.Context, voucherID int64) (bool, error)
	CountPendingForPeriod(ctx context.Context, period shared.Period) (int, error)

	// WithTx runs fn against a transaction-bound view of the repository. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Repository) error) error
}

type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
	q    dbtx
}

// NewRepository constructs the postgres-backed voucher repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, q: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgRepository{pool: r.pool, q: tx})
	})
}

const voucherColumns = `id, kind, counterparty_id, trade_date, number, quantity, amount,
settlement_status, payment_status, memo, parent_id, adjustment_type, reason, created_at, updated_at`

func (r *pgRepository) Get(ctx context.Context, id int64) (Voucher, error) {
	row := r.q.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, id)
	return scanVoucher(row)
}

func (r *pgRepository) GetByKey(ctx context.Context, counterpartyID int64, kind Kind, number string) (Voucher, error) {
	row := r.q.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers
WHERE counterparty_id = $1 AND kind = $2 AND number = $3 AND parent_id IS NULL`,
		counterpartyID, string(kind), number)
	return scanVoucher(row)
}

func (r *pgRepository) List(ctx context.Context, f ListFilter) ([]Voucher, int, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.CounterpartyID != 0 {
		args = append(args, f.CounterpartyID)
		clauses = append(clauses, fmt.Sprintf("counterparty_id = $%d", len(args)))
	}
	if f.Period != "" {
		args = append(args, f.Period.String())
		clauses = append(clauses, fmt.Sprintf("date_trunc('month', trade_date) = to_date($%d, 'YYYY-MM')", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("settlement_status = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM vouchers`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("voucher: count: %w", err)
	}

	query := `SELECT ` + voucherColumns + ` FROM vouchers` + where + ` ORDER BY trade_date DESC, id DESC`
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		args = append(args, f.PerPage, (page-1)*f.PerPage)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("voucher: list: %w", err)
	}
	defer rows.Close()
	var out []Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

func (r *pgRepository) Create(ctx context.Context, v Voucher) (Voucher, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO vouchers
(kind, counterparty_id, trade_date, number, quantity, amount, settlement_status, payment_status, memo, parent_id, adjustment_type, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
RETURNING `+voucherColumns,
		string(v.Kind), v.CounterpartyID, v.TradeDate, v.Number, v.Quantity, v.Amount,
		string(v.SettlementStatus), string(v.PaymentStatus), v.Memo, v.ParentID,
		string(v.AdjustmentType), v.Reason)
	created, err := scanVoucher(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Voucher{}, ErrDuplicateKey
		}
		return Voucher{}, err
	}
	return created, nil
}

func (r *pgRepository) Update(ctx context.Context, id int64, in UpdateInput) (Voucher, error) {
	row := r.q.QueryRow(ctx, `UPDATE vouchers SET
  trade_date = COALESCE($2, trade_date),
  quantity = COALESCE($3, quantity),
  amount = COALESCE($4, amount),
  memo = COALESCE($5, memo),
  updated_at = NOW()
WHERE id = $1
RETURNING `+voucherColumns, id, in.TradeDate, in.Quantity, in.Amount, in.Memo)
	return scanVoucher(row)
}

func (r *pgRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM vouchers WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrHasAllocations
		}
		return fmt.Errorf("voucher: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) HasAllocations(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM allocations WHERE voucher_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("voucher: has allocations: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) HasAdjustments(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM vouchers WHERE parent_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("voucher: has adjustments: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) AllocatedAmount(ctx context.Context, id int64) (decimal.Decimal, error) {
	var allocated decimal.Decimal
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM allocations WHERE voucher_id = $1`, id).
		Scan(&allocated)
	if err != nil {
		return decimal.Zero, fmt.Errorf("voucher: allocated amount: %w", err)
	}
	return allocated, nil
}

func (r *pgRepository) SetStatuses(ctx context.Context, id int64, ss SettlementStatus, ps PaymentStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE vouchers SET settlement_status = $2, payment_status = $3, updated_at = NOW()
WHERE id = $1`, id, string(ss), string(ps))
	if err != nil {
		return fmt.Errorf("voucher: set statuses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) ForceStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error) {
	tag, err := r.q.Exec(ctx, `UPDATE vouchers
SET settlement_status = $2, payment_status = $3, updated_at = NOW()
WHERE date_trunc('month', trade_date) = to_date($1, 'YYYY-MM')`,
		period.String(), string(SettlementLocked), string(PaymentLocked))
	if err != nil {
		return 0, fmt.Errorf("voucher: force statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgRepository) RestoreStatusesForPeriod(ctx context.Context, period shared.Period) (int64, error) {
	// Recompute balance-derived statuses from allocation rows, the single
	// source of truth.
	tag, err := r.q.Exec(ctx, `UPDATE vouchers v SET
  settlement_status = CASE
    WHEN s.allocated >= v.amount THEN 'SETTLED'
    WHEN s.allocated > 0 THEN 'SETTLING'
    ELSE 'OPEN' END,
  payment_status = CASE
    WHEN s.allocated >= v.amount THEN 'PAID'
    WHEN s.allocated > 0 THEN 'PARTIAL'
    ELSE 'UNPAID' END,
  updated_at = NOW()
FROM (
  SELECT v2.id, COALESCE(SUM(a.amount), 0) AS allocated
  FROM vouchers v2
  LEFT JOIN allocations a ON a.voucher_id = v2.id
  WHERE date_trunc('month', v2.trade_date) = to_date($1, 'YYYY-MM')
  GROUP BY v2.id
) s
WHERE v.id = s.id`, period.String())
	if err != nil {
		return 0, fmt.Errorf("voucher: restore statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}

const changeColumns = `id, voucher_id, trade_date, quantity, amount, memo, status, requested_by, decided_by, created_at, decided_at`

func (r *pgRepository) CreateChangeRequest(ctx context.Context, cr ChangeRequest) (ChangeRequest, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO change_requests
(voucher_id, trade_date, quantity, amount, memo, status, requested_by)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING `+changeColumns,
		cr.VoucherID, cr.Patch.TradeDate, cr.Patch.Quantity, cr.Patch.Amount, cr.Patch.Memo,
		string(ChangePending), cr.RequestedBy)
	return scanChangeRequest(row)
}

func (r *pgRepository) GetChangeRequest(ctx context.Context, id int64) (ChangeRequest, error) {
	row := r.q.QueryRow(ctx, `SELECT `+changeColumns+` FROM change_requests WHERE id = $1`, id)
	cr, err := scanChangeRequest(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ChangeRequest{}, ErrChangeNotFound
		}
		return ChangeRequest{}, err
	}
	return cr, nil
}

func (r *pgRepository) ListChangeRequests(ctx context.Context, status ChangeRequestStatus, period shared.Period) ([]ChangeRequest, error) {
	var clauses []string
	var args []any
	if status != "" {
		args = append(args, string(status))
		clauses = append(clauses, fmt.Sprintf("cr.status = $%d", len(args)))
	}
	if period != "" {
		args = append(args, period.String())
		clauses = append(clauses, fmt.Sprintf("date_trunc('month', v.trade_date) = to_date($%d, 'YYYY-MM')", len(args)))
	}
	query := `SELECT ` + prefixColumns("cr", changeColumns) + `
FROM change_requests cr JOIN vouchers v ON v.id = cr.voucher_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY cr.created_at ASC"
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("voucher: list change requests: %w", err)
	}
	defer rows.Close()
	var out []ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (r *pgRepository) DecideChangeRequest(ctx context.Context, id int64, status ChangeRequestStatus, actor string, at time.Time) error {
	tag, err := r.q.Exec(ctx, `UPDATE change_requests
SET status = $2, decided_by = $3, decided_at = $4
WHERE id = $1 AND status = $5`,
		id, string(status), actor, at, string(ChangePending))
	if err != nil {
		return fmt.Errorf("voucher: decide change request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetChangeRequest(ctx, id); err != nil {
			return err
		}
		return ErrChangeDecided
	}
	return nil
}

func (r *pgRepository) HasPendingChange(ctx context.Context, voucherID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM change_requests WHERE voucher_id = $1 AND status = $2)`,
		voucherID, string(ChangePending)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("voucher: pending change: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) HasDecidedChanges(ctx context.Context, voucherID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM change_requests WHERE voucher_id = $1 AND status <> $2)`,
		voucherID, string(ChangePending)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("voucher: decided changes: %w", err)
	}
	return exists, nil
}

func (r *pgRepository) CountPendingForPeriod(ctx context.Context, period shared.Period) (int, error) {
	var count int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM change_requests cr
JOIN vouchers v ON v.id = cr.voucher_id
WHERE cr.status = $1 AND date_trunc('month', v.trade_date) = to_date($2, 'YYYY-MM')`,
		string(ChangePending), period.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("voucher: count pending: %w", err)
	}
	return count, nil
}

func scanVoucher(row pgx.Row) (Voucher, error) {
	var v Voucher
	var kind, ss, ps string
	var adjustment *string
	err := row.Scan(&v.ID, &kind, &v.CounterpartyID, &v.TradeDate, &v.Number, &v.Quantity, &v.Amount,
		&ss, &ps, &v.Memo, &v.ParentID, &adjustment, &v.Reason, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Voucher{}, ErrNotFound
		}
		return Voucher{}, fmt.Errorf("voucher: scan: %w", err)
	}
	v.Kind = Kind(kind)
	v.SettlementStatus = SettlementStatus(ss)
	v.PaymentStatus = PaymentStatus(ps)
	if adjustment != nil {
		v.AdjustmentType = AdjustmentType(*adjustment)
	}
	return v, nil
}

func scanChangeRequest(row pgx.Row) (ChangeRequest, error) {
	var cr ChangeRequest
	var status string
	var decidedBy *string
	err := row.Scan(&cr.ID, &cr.VoucherID, &cr.Patch.TradeDate, &cr.Patch.Quantity, &cr.Patch.Amount,
		&cr.Patch.Memo, &status, &cr.RequestedBy, &decidedBy, &cr.CreatedAt, &cr.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeRequest{}, ErrNotFound
		}
		return ChangeRequest{}, fmt.Errorf("voucher: scan change request: %w", err)
	}
	cr.Status = ChangeRequestStatus(status)
	if decidedBy != nil {
		cr.DecidedBy = *decidedBy
	}
	return cr, nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
