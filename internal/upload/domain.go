package upload

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

// Type of an upload job.
type Type string

const (
	TypeLedger Type = "LEDGER"
)

// Status of an upload job. Jobs move queued -> running -> succeeded|failed;
// there is no mid-run cancel, callers poll until a terminal status.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// RawRow is one undecoded CSV line. Fields stay strings so a malformed cell
// surfaces as a row-level problem instead of failing the whole file.
type RawRow struct {
	Counterparty string `csv:"counterparty" json:"counterparty"`
	Kind         string `csv:"kind" json:"kind"`
	Number       string `csv:"number" json:"number"`
	TradeDate    string `csv:"trade_date" json:"trade_date"`
	Quantity     string `csv:"quantity" json:"quantity"`
	Amount       string `csv:"amount" json:"amount"`
	Memo         string `csv:"memo" json:"memo"`
}

// PreviewRow is one classified row of a processed upload.
type PreviewRow struct {
	voucher.NormalizedRow
	Disposition voucher.Disposition `json:"disposition"`
	VoucherID   *int64              `json:"voucher_id,omitempty"`
}

// Summary counts rows per disposition for one processed upload.
type Summary struct {
	Total     int `json:"total"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
	Unmatched int `json:"unmatched"`
	Locked    int `json:"locked"`
	Unchanged int `json:"unchanged"`
	Errors    int `json:"errors"`
}

// Add counts one classified row.
func (s *Summary) Add(d voucher.Disposition) {
	s.Total++
	switch d {
	case voucher.DispositionNew:
		s.New++
	case voucher.DispositionUpdate:
		s.Updated++
	case voucher.DispositionConflict:
		s.Conflicts++
	case voucher.DispositionUnmatched:
		s.Unmatched++
	case voucher.DispositionLocked:
		s.Locked++
	case voucher.DispositionUnchanged:
		s.Unchanged++
	case voucher.DispositionError:
		s.Errors++
	}
}

// Job is one upload run. Raw rows are kept until the worker has processed
// them; preview rows and the summary are written when the job succeeds.
type Job struct {
	ID             uuid.UUID    `json:"id"`
	Type           Type         `json:"type"`
	Status         Status       `json:"status"`
	FileName       string       `json:"file_name"`
	Progress       int          `json:"progress"`
	Rows           []RawRow     `json:"-"`
	Preview        []PreviewRow `json:"preview,omitempty"`
	Summary        Summary      `json:"summary"`
	Confirmed      bool         `json:"confirmed"`
	FailureMessage string       `json:"failure_message,omitempty"`
	SubmittedBy    string       `json:"submitted_by"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ConfirmResult summarises what a confirm applied and what it skipped.
type ConfirmResult struct {
	Applied        int `json:"applied"`
	ChangeRequests int `json:"change_requests"`
	SkippedLocked  int `json:"skipped_locked"`
	LeftPending    int `json:"left_pending"`
	Skipped        int `json:"skipped"`
}

var (
	ErrNotFound         = errors.New("upload: job not found")
	ErrJobRunning       = errors.New("upload: job is running")
	ErrJobNotReady      = errors.New("upload: job has not succeeded")
	ErrAlreadyConfirmed = errors.New("upload: job already confirmed")
	ErrEmptyFile        = errors.New("upload: file has no data rows")
)
