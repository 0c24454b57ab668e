package upload

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"

	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

const tradeDateLayout = "2006-01-02"

// ParseLedgerCSV decodes an uploaded ledger file. A file that cannot be
// decoded at all is fatal; cell-level problems are deferred to NormalizeRow.
func ParseLedgerCSV(r io.Reader) ([]RawRow, error) {
	var rows []RawRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("upload: parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	return rows, nil
}

// NormalizeRow validates one raw CSV line. Validation failures accumulate in
// Problems so the diff engine can classify the row as an error instead of
// aborting the job.
func NormalizeRow(raw RawRow, lineNo int) voucher.NormalizedRow {
	row := voucher.NormalizedRow{
		LineNo:  lineNo,
		RawName: strings.TrimSpace(raw.Counterparty),
		Number:  strings.TrimSpace(raw.Number),
		Memo:    strings.TrimSpace(raw.Memo),
	}
	if row.RawName == "" {
		row.Problems = append(row.Problems, "counterparty is required")
	}
	if row.Number == "" {
		row.Problems = append(row.Problems, "voucher number is required")
	}

	switch strings.ToUpper(strings.TrimSpace(raw.Kind)) {
	case "SALES":
		row.Kind = voucher.KindSales
	case "PURCHASE":
		row.Kind = voucher.KindPurchase
	default:
		row.Problems = append(row.Problems, fmt.Sprintf("unknown kind %q", raw.Kind))
	}

	if date, err := time.Parse(tradeDateLayout, strings.TrimSpace(raw.TradeDate)); err != nil {
		row.Problems = append(row.Problems, fmt.Sprintf("invalid trade date %q", raw.TradeDate))
	} else {
		row.TradeDate = date
	}

	if q := strings.TrimSpace(raw.Quantity); q != "" {
		qty, err := strconv.ParseInt(q, 10, 64)
		if err != nil || qty < 0 {
			row.Problems = append(row.Problems, fmt.Sprintf("invalid quantity %q", raw.Quantity))
		} else {
			row.Quantity = qty
		}
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(raw.Amount))
	if err != nil {
		row.Problems = append(row.Problems, fmt.Sprintf("invalid amount %q", raw.Amount))
	} else {
		row.Amount = amount
	}
	return row
}
