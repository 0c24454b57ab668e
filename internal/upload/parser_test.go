package upload

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skp10216/dwt-price-center-sub002/internal/voucher"
)

func TestParseLedgerCSV(t *testing.T) {
	input := strings.Join([]string{
		"counterparty,kind,number,trade_date,quantity,amount,memo",
		"Samjin Metals,SALES,V-001,2025-07-10,3,150000,first batch",
		"Hanwha Supply,PURCHASE,P-001,2025-07-11,,-90000,",
	}, "\n")

	rows, err := ParseLedgerCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Samjin Metals", rows[0].Counterparty)
	assert.Equal(t, "-90000", rows[1].Amount)
}

func TestParseLedgerCSVFatalOnUnreadableFile(t *testing.T) {
	_, err := ParseLedgerCSV(strings.NewReader(""))
	require.Error(t, err)

	_, err = ParseLedgerCSV(strings.NewReader(`counterparty,kind
"unterminated quote`))
	require.Error(t, err)
}

func TestNormalizeRowValid(t *testing.T) {
	row := NormalizeRow(RawRow{
		Counterparty: " Samjin Metals ",
		Kind:         "sales",
		Number:       "V-001",
		TradeDate:    "2025-07-10",
		Quantity:     "3",
		Amount:       "150000.50",
		Memo:         "first batch",
	}, 2)

	assert.Empty(t, row.Problems)
	assert.Equal(t, 2, row.LineNo)
	assert.Equal(t, "Samjin Metals", row.RawName)
	assert.Equal(t, voucher.KindSales, row.Kind)
	assert.EqualValues(t, 3, row.Quantity)
	assert.True(t, row.Amount.Equal(decimal.RequireFromString("150000.50")))
}

func TestNormalizeRowCollectsProblems(t *testing.T) {
	row := NormalizeRow(RawRow{
		Counterparty: "",
		Kind:         "BARTER",
		Number:       "",
		TradeDate:    "July 10th",
		Quantity:     "-2",
		Amount:       "lots",
	}, 5)

	assert.Len(t, row.Problems, 6)
}
