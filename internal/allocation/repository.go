package allocation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/platform/db"
	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

// VoucherState is the slice of voucher data the engine needs for ceiling
// checks and status updates.
type VoucherState struct {
	ID               int64
	Kind             voucher.Kind
	CounterpartyID   int64
	Amount           decimal.Decimal
	Allocated        decimal.Decimal
	SettlementStatus voucher.SettlementStatus
}

// Balance returns the remaining amount coverable by allocations.
func (s VoucherState) Balance() decimal.Decimal {
	return s.Amount.Sub(s.Allocated)
}

// Locked reports whether the voucher is frozen.
func (s VoucherState) Locked() bool {
	return s.SettlementStatus == voucher.SettlementLocked
}

// Repository defines transaction and allocation data access. Voucher reads
// and status writes live here too so one database transaction can span all
// three tables.
type Repository interface {
	CreateTransaction(ctx context.Context, t Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	ListTransactions(ctx context.Context, f ListFilter) ([]Transaction, int, error)
	SetTransactionAllocation(ctx context.Context, id int64, allocated decimal.Decimal, status TxStatus) error

	Candidates(ctx context.Context, counterpartyID int64, kind voucher.Kind) ([]Candidate, error)
	VoucherState(ctx context.Context, voucherID int64) (VoucherState, error)
	SetVoucherStatuses(ctx context.Context, voucherID int64, ss voucher.SettlementStatus, ps voucher.PaymentStatus) error

	CreateAllocation(ctx context.Context, a Allocation) (Allocation, error)
	GetAllocation(ctx context.Context, id int64) (Allocation, error)
	ListByTransaction(ctx context.Context, transactionID int64) ([]Allocation, error)
	ListByVoucher(ctx context.Context, voucherID int64) ([]Allocation, error)
	DeleteAllocation(ctx context.Context, id int64) error

	// WithTx runs fn against a transaction-bound view of the repository.
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

// NewRepository constructs the postgres-backed allocation repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool, q: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgRepository{pool: r.pool, q: tx})
	})
}

const transactionColumns = `id, direction, counterparty_id, date, amount, allocated, status, source, memo, created_at, updated_at`

func (r *pgRepository) CreateTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO transactions
(direction, counterparty_id, date, amount, allocated, status, source, memo)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
RETURNING `+transactionColumns,
		string(t.Direction), t.CounterpartyID, t.Date, t.Amount, string(TxPending), string(t.Source), t.Memo)
	return scanTransaction(row)
}

func (r *pgRepository) GetTransaction(ctx context.Context, id int64) (Transaction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (r *pgRepository) ListTransactions(ctx context.Context, f ListFilter) ([]Transaction, int, error) {
	var clauses []string
	var args []any
	if f.Direction != "" {
		args = append(args, string(f.Direction))
		clauses = append(clauses, fmt.Sprintf("direction = $%d", len(args)))
	}
	if f.CounterpartyID != 0 {
		args = append(args, f.CounterpartyID)
		clauses = append(clauses, fmt.Sprintf("counterparty_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("allocation: count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY date DESC, id DESC`
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
		return nil, 0, fmt.Errorf("allocation: list transactions: %w", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (r *pgRepository) SetTransactionAllocation(ctx context.Context, id int64, allocated decimal.Decimal, status TxStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE transactions SET allocated = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		id, allocated, string(status))
	if err != nil {
		return fmt.Errorf("allocation: set transaction allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepository) Candidates(ctx context.Context, counterpartyID int64, kind voucher.Kind) ([]Candidate, error) {
	rows, err := r.q.Query(ctx, `SELECT v.id, v.trade_date, v.amount - COALESCE(SUM(a.amount), 0) AS balance
FROM vouchers v
LEFT JOIN allocations a ON a.voucher_id = v.id
WHERE v.counterparty_id = $1 AND v.kind = $2 AND v.settlement_status IN ($3, $4)
GROUP BY v.id, v.trade_date, v.amount
ORDER BY v.trade_date ASC, balance ASC, v.id ASC`,
		counterpartyID, string(kind), string(voucher.SettlementOpen), string(voucher.SettlementSettling))
	if err != nil {
		return nil, fmt.Errorf("allocation: candidates: %w", err)
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.VoucherID, &c.TradeDate, &c.Balance); err != nil {
			return nil, fmt.Errorf("allocation: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *pgRepository) VoucherState(ctx context.Context, voucherID int64) (VoucherState, error) {
	var s VoucherState
	var kind, status string
	err := r.q.QueryRow(ctx, `SELECT v.id, v.kind, v.counterparty_id, v.amount,
COALESCE((SELECT SUM(amount) FROM allocations WHERE voucher_id = v.id), 0), v.settlement_status
FROM vouchers v WHERE v.id = $1`, voucherID).
		Scan(&s.ID, &kind, &s.CounterpartyID, &s.Amount, &s.Allocated, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VoucherState{}, voucher.ErrNotFound
		}
		return VoucherState{}, fmt.Errorf("allocation: voucher state: %w", err)
	}
	s.Kind = voucher.Kind(kind)
	s.SettlementStatus = voucher.SettlementStatus(status)
	return s, nil
}

func (r *pgRepository) SetVoucherStatuses(ctx context.Context, voucherID int64, ss voucher.SettlementStatus, ps voucher.PaymentStatus) error {
	tag, err := r.q.Exec(ctx, `UPDATE vouchers SET settlement_status = $2, payment_status = $3, updated_at = NOW() WHERE id = $1`,
		voucherID, string(ss), string(ps))
	if err != nil {
		return fmt.Errorf("allocation: set voucher statuses: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return voucher.ErrNotFound
	}
	return nil
}

const allocationColumns = `id, transaction_id, voucher_id, amount, ordinal, memo, created_at`

func (r *pgRepository) CreateAllocation(ctx context.Context, a Allocation) (Allocation, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO allocations (transaction_id, voucher_id, amount, ordinal, memo)
VALUES ($1, $2, $3,
  (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM allocations WHERE transaction_id = $1),
  $4)
RETURNING `+allocationColumns,
		a.TransactionID, a.VoucherID, a.Amount, a.Memo)
	return scanAllocation(row)
}

func (r *pgRepository) GetAllocation(ctx context.Context, id int64) (Allocation, error) {
	row := r.q.QueryRow(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE id = $1`, id)
	a, err := scanAllocation(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Allocation{}, ErrAllocationNotFound
		}
		return Allocation{}, err
	}
	return a, nil
}

func (r *pgRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, `transaction_id`, transactionID)
}

func (r *pgRepository) ListByVoucher(ctx context.Context, voucherID int64) ([]Allocation, error) {
	return r.listAllocations(ctx, `voucher_id`, voucherID)
}

func (r *pgRepository) listAllocations(ctx context.Context, column string, id int64) ([]Allocation, error) {
	rows, err := r.q.Query(ctx, `SELECT `+allocationColumns+` FROM allocations WHERE `+column+` = $1 ORDER BY ordinal ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("allocation: list allocations: %w", err)
	}
	defer rows.Close()
	var out []Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgRepository) DeleteAllocation(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM allocations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("allocation: delete allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAllocationNotFound
	}
	return nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	var direction, status, source string
	err := row.Scan(&t.ID, &direction, &t.CounterpartyID, &t.Date, &t.Amount, &t.Allocated,
		&status, &source, &t.Memo, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("allocation: scan transaction: %w", err)
	}
	t.Direction = Direction(direction)
	t.Status = TxStatus(status)
	t.Source = Source(source)
	return t, nil
}

func scanAllocation(row pgx.Row) (Allocation, error) {
	var a Allocation
	err := row.Scan(&a.ID, &a.TransactionID, &a.VoucherID, &a.Amount, &a.Ordinal, &a.Memo, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Allocation{}, ErrNotFound
		}
		return Allocation{}, fmt.Errorf("allocation: scan allocation: %w", err)
	}
	return a, nil
}
