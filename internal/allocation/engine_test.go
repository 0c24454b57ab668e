package allocation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func day(n int) time.Time { return time.Date(2025, 7, n, 0, 0, 0, 0, time.UTC) }

func TestPlanOldestFirst(t *testing.T) {
	candidates := []Candidate{
		{VoucherID: 2, TradeDate: day(20), Balance: d(800000)},
		{VoucherID: 1, TradeDate: day(5), Balance: d(400000)},
	}
	plan, remainder := Plan(d(1000000), candidates)

	require.Len(t, plan, 2)
	assert.EqualValues(t, 1, plan[0].VoucherID)
	assert.True(t, plan[0].Amount.Equal(d(400000)))
	assert.EqualValues(t, 2, plan[1].VoucherID)
	assert.True(t, plan[1].Amount.Equal(d(600000)))
	assert.True(t, remainder.IsZero())
}

func TestPlanTieBreaksOnSmallerBalance(t *testing.T) {
	candidates := []Candidate{
		{VoucherID: 1, TradeDate: day(5), Balance: d(900)},
		{VoucherID: 2, TradeDate: day(5), Balance: d(100)},
	}
	plan, _ := Plan(d(150), candidates)

	require.Len(t, plan, 2)
	assert.EqualValues(t, 2, plan[0].VoucherID, "equal dates fall back to smaller balance")
	assert.True(t, plan[0].Amount.Equal(d(100)))
	assert.True(t, plan[1].Amount.Equal(d(50)))
}

func TestPlanStopsWhenExhausted(t *testing.T) {
	candidates := []Candidate{
		{VoucherID: 1, TradeDate: day(1), Balance: d(300)},
		{VoucherID: 2, TradeDate: day(2), Balance: d(300)},
		{VoucherID: 3, TradeDate: day(3), Balance: d(300)},
	}
	plan, remainder := Plan(d(300), candidates)

	require.Len(t, plan, 1)
	assert.EqualValues(t, 1, plan[0].VoucherID)
	assert.True(t, remainder.IsZero())
}

func TestPlanLeavesRemainderWhenShort(t *testing.T) {
	candidates := []Candidate{
		{VoucherID: 1, TradeDate: day(1), Balance: d(100)},
		{VoucherID: 2, TradeDate: day(2), Balance: d(200)},
	}
	plan, remainder := Plan(d(500), candidates)

	require.Len(t, plan, 2)
	assert.True(t, remainder.Equal(d(200)), "unallocated = max(0, A - sum(min(bi, remaining)))")
}

func TestPlanSkipsNonPositiveBalances(t *testing.T) {
	candidates := []Candidate{
		{VoucherID: 1, TradeDate: day(1), Balance: d(0)},
		{VoucherID: 2, TradeDate: day(2), Balance: d(-50)},
		{VoucherID: 3, TradeDate: day(3), Balance: d(80)},
	}
	plan, remainder := Plan(d(100), candidates)

	require.Len(t, plan, 1)
	assert.EqualValues(t, 3, plan[0].VoucherID)
	assert.True(t, remainder.Equal(d(20)))
}

func TestPlanNoCandidates(t *testing.T) {
	plan, remainder := Plan(d(100), nil)
	assert.Empty(t, plan)
	assert.True(t, remainder.Equal(d(100)))
}

func TestDeriveTxStatus(t *testing.T) {
	assert.Equal(t, TxPending, DeriveTxStatus(d(100), d(0)))
	assert.Equal(t, TxPartial, DeriveTxStatus(d(100), d(40)))
	assert.Equal(t, TxAllocated, DeriveTxStatus(d(100), d(100)))
}
