package bankimport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/allocation"
)

const statementDateLayout = "2006-01-02"

// ParseStatementCSV decodes an uploaded bank statement. A file that cannot be
// decoded at all is fatal; cell-level problems stay on the line.
func ParseStatementCSV(r io.Reader) ([]RawLine, error) {
	var lines []RawLine
	if err := gocsv.Unmarshal(r, &lines); err != nil {
		return nil, fmt.Errorf("bankimport: parse csv: %w", err)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyFile
	}
	return lines, nil
}

// NormalizeLine validates one raw statement line. Lines with problems are
// parked as ignored so the rest of the statement still flows.
func NormalizeLine(raw RawLine, lineNo int) Line {
	line := Line{
		LineNo:  lineNo,
		RawText: strings.TrimSpace(raw.Description),
		Status:  LineStatusPending,
	}
	if line.RawText == "" {
		line.Problems = append(line.Problems, "description is required")
	}

	if date, err := time.Parse(statementDateLayout, strings.TrimSpace(raw.Date)); err != nil {
		line.Problems = append(line.Problems, fmt.Sprintf("invalid date %q", raw.Date))
	} else {
		line.Date = date
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(raw.Amount))
	switch {
	case err != nil:
		line.Problems = append(line.Problems, fmt.Sprintf("invalid amount %q", raw.Amount))
	case amount.IsZero():
		line.Problems = append(line.Problems, "amount is zero")
	case amount.IsNegative():
		line.Direction = allocation.DirectionWithdrawal
		line.Amount = amount.Neg()
	default:
		line.Direction = allocation.DirectionDeposit
		line.Amount = amount
	}

	if len(line.Problems) > 0 {
		line.Status = LineStatusIgnored
	}
	return line
}
