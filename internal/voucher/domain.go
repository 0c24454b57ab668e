package voucher

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Kind enumerates voucher ledgers.
type Kind string

const (
	KindSales    Kind = "SALES"
	KindPurchase Kind = "PURCHASE"
)

// Valid reports whether the kind is known.
func (k Kind) Valid() bool {
	return k == KindSales || k == KindPurchase
}

// SettlementStatus tracks how much of a voucher has been covered by
// allocations in the matching direction.
type SettlementStatus string

const (
	SettlementOpen     SettlementStatus = "OPEN"
	SettlementSettling SettlementStatus = "SETTLING"
	SettlementSettled  SettlementStatus = "SETTLED"
	SettlementLocked   SettlementStatus = "LOCKED"
)

// PaymentStatus mirrors settlement on the counter-direction ledger.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPartial PaymentStatus = "PARTIAL"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentLocked  PaymentStatus = "LOCKED"
)

// AdjustmentType classifies adjustment vouchers.
type AdjustmentType string

const (
	AdjustmentCorrection AdjustmentType = "CORRECTION"
	AdjustmentReturn     AdjustmentType = "RETURN"
	AdjustmentWriteOff   AdjustmentType = "WRITE_OFF"
	AdjustmentDiscount   AdjustmentType = "DISCOUNT"
)

// Valid reports whether the adjustment type is known.
func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentCorrection, AdjustmentReturn, AdjustmentWriteOff, AdjustmentDiscount:
		return true
	default:
		return false
	}
}

// Voucher is one ledger row. Balance is derived, never stored as truth: it is
// always recomputable as Amount minus the sum of matching-direction
// allocations.
type Voucher struct {
	ID               int64            `json:"id"`
	Kind             Kind             `json:"kind"`
	CounterpartyID   int64            `json:"counterparty_id"`
	TradeDate        time.Time        `json:"trade_date"`
	Number           string           `json:"number"`
	Quantity         int64            `json:"quantity"`
	Amount           decimal.Decimal  `json:"amount"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	PaymentStatus    PaymentStatus    `json:"payment_status"`
	Memo             string           `json:"memo,omitempty"`
	ParentID         *int64           `json:"parent_id,omitempty"`
	AdjustmentType   AdjustmentType   `json:"adjustment_type,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Period returns the settlement period containing the trade date.
func (v Voucher) Period() shared.Period {
	return shared.PeriodOf(v.TradeDate)
}

// IsAdjustment reports whether the voucher references a parent.
func (v Voucher) IsAdjustment() bool {
	return v.ParentID != nil
}

// Locked reports whether a period lock froze the voucher.
func (v Voucher) Locked() bool {
	return v.SettlementStatus == SettlementLocked
}

// DeriveStatuses computes balance-derived statuses. Locked vouchers keep their
// forced statuses; callers only invoke this for unlocked vouchers or when a
// period unlock reverts them.
func DeriveStatuses(total, allocated decimal.Decimal) (SettlementStatus, PaymentStatus) {
	switch {
	case allocated.LessThanOrEqual(decimal.Zero):
		return SettlementOpen, PaymentUnpaid
	case allocated.GreaterThanOrEqual(total):
		return SettlementSettled, PaymentPaid
	default:
		return SettlementSettling, PaymentPartial
	}
}

// NormalizedRow is one uploaded ledger row after counterparty matching, ready
// for diff classification. Problems collects structural validation failures.
type NormalizedRow struct {
	LineNo          int             `json:"line_no"`
	RawName         string          `json:"raw_name"`
	CounterpartyID  *int64          `json:"counterparty_id"`
	MatchConfidence float64         `json:"match_confidence"`
	Kind            Kind            `json:"kind"`
	Number          string          `json:"number"`
	TradeDate       time.Time       `json:"trade_date"`
	Quantity        int64           `json:"quantity"`
	Amount          decimal.Decimal `json:"amount"`
	Memo            string          `json:"memo,omitempty"`
	Problems        []string        `json:"problems,omitempty"`
}

// SameFields reports whether the row carries no change against the voucher.
func (r NormalizedRow) SameFields(v Voucher) bool {
	return r.TradeDate.Equal(v.TradeDate) &&
		r.Quantity == v.Quantity &&
		r.Amount.Equal(v.Amount) &&
		strings.TrimSpace(r.Memo) == v.Memo
}

// ChangeRequestStatus tracks the approval workflow for conflict rows.
type ChangeRequestStatus string

const (
	ChangePending  ChangeRequestStatus = "PENDING"
	ChangeApproved ChangeRequestStatus = "APPROVED"
	ChangeRejected ChangeRequestStatus = "REJECTED"
)

// RowPatch is the proposed replacement carried by a change request.
type RowPatch struct {
	TradeDate time.Time       `json:"trade_date"`
	Quantity  int64           `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo,omitempty"`
}

// ChangeRequest queues one conflict row for human approval. Approve applies
// the patch, reject discards it; both are terminal and audited. A later upload
// of the same row never resolves a pending request.
type ChangeRequest struct {
	ID          int64               `json:"id"`
	VoucherID   int64               `json:"voucher_id"`
	Patch       RowPatch            `json:"patch"`
	Status      ChangeRequestStatus `json:"status"`
	RequestedBy string              `json:"requested_by"`
	DecidedBy   string              `json:"decided_by,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	DecidedAt   *time.Time          `json:"decided_at,omitempty"`
}

// CreateInput for direct voucher creation.
type CreateInput struct {
	Kind           Kind            `json:"kind" validate:"required"`
	CounterpartyID int64           `json:"counterparty_id" validate:"required"`
	TradeDate      time.Time       `json:"trade_date" validate:"required"`
	Number         string          `json:"number" validate:"required"`
	Quantity       int64           `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo"`
}

// Validate checks structural requirements.
func (in CreateInput) Validate() error {
	if !in.Kind.Valid() {
		return ErrInvalidKind
	}
	if in.CounterpartyID == 0 {
		return errors.New("voucher: counterparty required")
	}
	if strings.TrimSpace(in.Number) == "" {
		return errors.New("voucher: number required")
	}
	if in.TradeDate.IsZero() {
		return errors.New("voucher: trade date required")
	}
	return nil
}

// UpdateInput for partial voucher updates.
type UpdateInput struct {
	TradeDate *time.Time       `json:"trade_date"`
	Quantity  *int64           `json:"quantity"`
	Amount    *decimal.Decimal `json:"amount"`
	Memo      *string          `json:"memo"`
}

// AdjustmentInput creates an adjustment voucher against a parent. Permitted
// regardless of the parent's period lock; never mutates the parent.
type AdjustmentInput struct {
	ParentID  int64           `json:"parent_id" validate:"required"`
	Type      AdjustmentType  `json:"type" validate:"required"`
	Reason    string          `json:"reason" validate:"required"`
	TradeDate time.Time       `json:"trade_date" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// ListFilter narrows voucher listings.
type ListFilter struct {
	Kind           Kind
	CounterpartyID int64
	Period         shared.Period
	Status         SettlementStatus
	Page           int
	PerPage        int
}

// BatchSkip explains one skipped row in a partial-success batch.
type BatchSkip struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult summarises a partial-success batch operation.
type BatchResult struct {
	SucceededCount int         `json:"succeeded_count"`
	SkippedCount   int         `json:"skipped_count"`
	Skipped        []BatchSkip `json:"skipped,omitempty"`
}

var (
	ErrNotFound          = errors.New("voucher: not found")
	ErrInvalidKind       = errors.New("voucher: invalid kind")
	ErrDuplicateKey      = errors.New("voucher: number already exists for counterparty")
	ErrPeriodLocked      = errors.New("voucher: period is locked, use an adjustment voucher")
	ErrHasAllocations    = errors.New("voucher: has allocations")
	ErrHasAdjustments    = errors.New("voucher: has adjustment vouchers")
	ErrInvalidAdjustment = errors.New("voucher: invalid adjustment type")
	ErrReasonRequired    = errors.New("voucher: reason required")
	ErrChangeNotFound    = errors.New("voucher: change request not found")
	ErrChangeDecided     = errors.New("voucher: change request already decided")
)
