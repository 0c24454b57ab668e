package bankimport

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
)

// Status of a bank import job.
type Status string

const (
	// StatusPending means lines are parsed and waiting for auto-match.
	StatusPending Status = "PENDING"
	// StatusMatched means auto-match has run; lines await review.
	StatusMatched Status = "MATCHED"
	// StatusConfirmed means transactions have been materialized.
	StatusConfirmed Status = "CONFIRMED"
)

// LineStatus of one statement line.
type LineStatus string

const (
	LineStatusPending   LineStatus = "PENDING"
	LineStatusMatched   LineStatus = "MATCHED"
	LineStatusConfirmed LineStatus = "CONFIRMED"
	LineStatusIgnored   LineStatus = "IGNORED"
)

// RawLine is one undecoded statement line. The amount is signed: deposits
// positive, withdrawals negative.
type RawLine struct {
	Date        string `csv:"date" json:"date"`
	Description string `csv:"description" json:"description"`
	Amount      string `csv:"amount" json:"amount"`
}

// Job is one imported bank statement.
type Job struct {
	ID          int64     `json:"id"`
	FileName    string    `json:"file_name"`
	Status      Status    `json:"status"`
	LineCount   int       `json:"line_count"`
	SubmittedBy string    `json:"submitted_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Line is one parsed statement line. Direction derives from the amount sign;
// the stored amount is always positive.
type Line struct {
	ID             int64                `json:"id"`
	JobID          int64                `json:"job_id"`
	LineNo         int                  `json:"line_no"`
	RawText        string               `json:"raw_text"`
	Date           time.Time            `json:"date"`
	Amount         decimal.Decimal      `json:"amount"`
	Direction      allocation.Direction `json:"direction"`
	CounterpartyID *int64               `json:"counterparty_id,omitempty"`
	Confidence     float64              `json:"confidence"`
	Status         LineStatus           `json:"status"`
	TransactionID  *int64               `json:"transaction_id,omitempty"`
	Problems       []string             `json:"problems,omitempty"`
}

// UpdateLineInput overrides the match or status of one line.
type UpdateLineInput struct {
	CounterpartyID *int64      `json:"counterparty_id"`
	Status         *LineStatus `json:"status"`
}

// ConfirmResult summarises a confirm run.
type ConfirmResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

var (
	ErrNotFound         = errors.New("bankimport: job not found")
	ErrLineNotFound     = errors.New("bankimport: line not found")
	ErrAlreadyConfirmed = errors.New("bankimport: job already confirmed")
	ErrInvalidStatus    = errors.New("bankimport: invalid line status")
	ErrEmptyFile        = errors.New("bankimport: statement has no lines")
)
