package allocation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

// Direction of money movement.
type Direction string

const (
	DirectionDeposit    Direction = "DEPOSIT"
	DirectionWithdrawal Direction = "WITHDRAWAL"
)

// Valid reports whether the direction is known.
func (d Direction) Valid() bool {
	return d == DirectionDeposit || d == DirectionWithdrawal
}

// VoucherKind returns the ledger side this direction settles: deposits cover
// sales vouchers, withdrawals cover purchase vouchers.
func (d Direction) VoucherKind() voucher.Kind {
	if d == DirectionDeposit {
		return voucher.KindSales
	}
	return voucher.KindPurchase
}

// TxStatus tracks how much of a transaction has been allocated.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxPartial   TxStatus = "PARTIAL"
	TxAllocated TxStatus = "ALLOCATED"
	TxCancelled TxStatus = "CANCELLED"
)

// Source records where a transaction came from.
type Source string

const (
	SourceManual     Source = "MANUAL"
	SourceBankImport Source = "BANK_IMPORT"
	SourceNetting    Source = "NETTING"
)

// Valid reports whether the source is known.
func (s Source) Valid() bool {
	switch s {
	case SourceManual, SourceBankImport, SourceNetting:
		return true
	default:
		return false
	}
}

// Transaction is one deposit or withdrawal to distribute across vouchers.
// Allocated never exceeds Amount.
type Transaction struct {
	ID             int64           `json:"id"`
	Direction      Direction       `json:"direction"`
	CounterpartyID int64           `json:"counterparty_id"`
	Date           time.Time       `json:"date"`
	Amount         decimal.Decimal `json:"amount"`
	Allocated      decimal.Decimal `json:"allocated"`
	Status         TxStatus        `json:"status"`
	Source         Source          `json:"source"`
	Memo           string          `json:"memo,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Unallocated returns the remaining distributable amount.
func (t Transaction) Unallocated() decimal.Decimal {
	return t.Amount.Sub(t.Allocated)
}

// DeriveTxStatus maps the allocated share onto the status enum.
func DeriveTxStatus(amount, allocated decimal.Decimal) TxStatus {
	switch {
	case allocated.LessThanOrEqual(decimal.Zero):
		return TxPending
	case allocated.GreaterThanOrEqual(amount):
		return TxAllocated
	default:
		return TxPartial
	}
}

// Allocation links one transaction to one voucher with the amount applied.
// Ordinal preserves the sequence in which allocations were made.
type Allocation struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	VoucherID     int64           `json:"voucher_id"`
	Amount        decimal.Decimal `json:"amount"`
	Ordinal       int             `json:"ordinal"`
	Memo          string          `json:"memo,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreateTransactionInput for new transactions.
type CreateTransactionInput struct {
	Direction      Direction       `json:"direction" validate:"required"`
	CounterpartyID int64           `json:"counterparty_id" validate:"required"`
	Date           time.Time       `json:"date" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Source         Source          `json:"source"`
	Memo           string          `json:"memo"`
	AutoAllocate   bool            `json:"auto_allocate"`
}

// Validate checks structural requirements.
func (in CreateTransactionInput) Validate() error {
	if !in.Direction.Valid() {
		return ErrInvalidDirection
	}
	if in.CounterpartyID == 0 {
		return errors.New("allocation: counterparty required")
	}
	if in.Date.IsZero() {
		return errors.New("allocation: date required")
	}
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if in.Source != "" && !in.Source.Valid() {
		return errors.New("allocation: invalid source")
	}
	return nil
}

// ListFilter narrows transaction listings.
type ListFilter struct {
	Direction      Direction
	CounterpartyID int64
	Status         TxStatus
	Page           int
	PerPage        int
}

var (
	ErrNotFound             = errors.New("allocation: transaction not found")
	ErrAllocationNotFound   = errors.New("allocation: allocation not found")
	ErrInvalidDirection     = errors.New("allocation: invalid direction")
	ErrInvalidAmount        = errors.New("allocation: amount must be positive")
	ErrTxCancelled          = errors.New("allocation: transaction is cancelled")
	ErrTxCeiling            = errors.New("allocation: would exceed transaction amount")
	ErrVoucherCeiling       = errors.New("allocation: would exceed voucher balance")
	ErrVoucherLocked        = errors.New("allocation: voucher is locked")
	ErrDirectionMismatch    = errors.New("allocation: voucher direction does not match transaction")
	ErrCounterpartyMismatch = errors.New("allocation: voucher belongs to a different counterparty")
)
