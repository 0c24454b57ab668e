package activity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action enumerates audited mutations.
type Action string

const (
	ActionVoucherCreate      Action = "voucher.create"
	ActionVoucherUpdate      Action = "voucher.update"
	ActionVoucherDelete      Action = "voucher.delete"
	ActionVoucherBatchDelete Action = "voucher.batch_delete"
	ActionVoucherLock        Action = "voucher.lock"
	ActionVoucherUnlock      Action = "voucher.unlock"
	ActionAdjustmentCreate   Action = "voucher.adjustment_create"
	ActionChangeApprove      Action = "voucher.change_approve"
	ActionChangeReject       Action = "voucher.change_reject"

	ActionTransactionCreate Action = "transaction.create"
	ActionTransactionCancel Action = "transaction.cancel"
	ActionAllocationCreate  Action = "allocation.create"
	ActionAllocationDelete  Action = "allocation.delete"

	ActionPeriodLock   Action = "period.lock"
	ActionPeriodUnlock Action = "period.unlock"

	ActionCounterpartyCreate      Action = "counterparty.create"
	ActionCounterpartyUpdate      Action = "counterparty.update"
	ActionCounterpartyDelete      Action = "counterparty.delete"
	ActionCounterpartyBatchCreate Action = "counterparty.batch_create"
	ActionCounterpartyBatchDelete Action = "counterparty.batch_delete"
	ActionAliasCreate             Action = "alias.create"
	ActionAliasDelete             Action = "alias.delete"
	ActionAliasMap                Action = "alias.map_unmatched"

	ActionUploadConfirm     Action = "upload.confirm"
	ActionBankImportConfirm Action = "bank_import.confirm"
)

// Category returns the action prefix used for filtering.
func (a Action) Category() string {
	for i := 0; i < len(a); i++ {
		if a[i] == '.' {
			return string(a[:i])
		}
	}
	return string(a)
}

// Entry is one append-only audit record. Rows belonging to one logical batch
// share a TraceID; the batch summary row carries ItemCount equal to the row
// count while per-row entries carry 1.
type Entry struct {
	ID         int64
	TraceID    uuid.UUID
	Action     Action
	Actor      string
	TargetKind string
	TargetID   string
	Before     map[string]any
	After      map[string]any
	ItemCount  int
	At         time.Time
}

// Filters narrows activity listings.
type Filters struct {
	Category string
	Search   string
	From     time.Time
	To       time.Time
	Page     int
	PerPage  int
}

var (
	// ErrClearForbidden guards the bulk-clear escape hatch in production.
	ErrClearForbidden = errors.New("activity: bulk clear is not permitted in this environment")
	// ErrTraceNotFound indicates no entries exist for a trace id.
	ErrTraceNotFound = errors.New("activity: trace not found")
)
