package periodlock

import (
	"errors"
	"time"

	"github.com/skp10216/dwt-price-center-sub002/internal/shared"
)

// Status of one settlement period.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusLocked Status = "LOCKED"
)

// PeriodLock is the close state of one year-month period. Locking freezes
// every voucher dated inside it; re-opening reverts them to balance-derived
// statuses.
type PeriodLock struct {
	Period      shared.Period `json:"period"`
	Status      Status        `json:"status"`
	LockedBy    string        `json:"locked_by,omitempty"`
	LockedAt    *time.Time    `json:"locked_at,omitempty"`
	Description string        `json:"description,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

var (
	ErrAlreadyLocked    = errors.New("periodlock: period is already locked")
	ErrNotLocked        = errors.New("periodlock: period is not locked")
	ErrPendingConflicts = errors.New("periodlock: period has unresolved change requests")
	ErrReasonRequired   = errors.New("periodlock: unlock requires a reason")
)
