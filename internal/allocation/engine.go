package allocation

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is one open or settling voucher eligible for automatic
// allocation, carrying its remaining balance.
type Candidate struct {
	VoucherID int64
	TradeDate time.Time
	Balance   decimal.Decimal
}

// Planned is one step of an allocation plan.
type Planned struct {
	VoucherID int64
	Amount    decimal.Decimal
}

// Plan distributes amount across candidates oldest-open-first: ascending
// trade date, then ascending remaining balance, then id for determinism.
// Each step takes min(candidate balance, remaining); the walk stops when the
// amount is exhausted. The returned remainder is what could not be placed.
func Plan(amount decimal.Decimal, candidates []Candidate) ([]Planned, decimal.Decimal) {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TradeDate.Equal(ordered[j].TradeDate) {
			return ordered[i].TradeDate.Before(ordered[j].TradeDate)
		}
		if !ordered[i].Balance.Equal(ordered[j].Balance) {
			return ordered[i].Balance.LessThan(ordered[j].Balance)
		}
		return ordered[i].VoucherID < ordered[j].VoucherID
	})

	remaining := amount
	var plan []Planned
	for _, cand := range ordered {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		if cand.Balance.LessThanOrEqual(decimal.Zero) {
			continue
		}
		take := decimal.Min(cand.Balance, remaining)
		plan = append(plan, Planned{VoucherID: cand.VoucherID, Amount: take})
		remaining = remaining.Sub(take)
	}
	if remaining.LessThan(decimal.Zero) {
		remaining = decimal.Zero
	}
	return plan, remaining
}
