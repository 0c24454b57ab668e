package voucher

// Disposition classifies one incoming row against the existing ledger. It is
// an int enum so consumer switches stay compiler-checked for completeness.
type Disposition int

const (
	DispositionNew Disposition = iota
	DispositionUpdate
	DispositionConflict
	DispositionUnmatched
	DispositionLocked
	DispositionError
	DispositionUnchanged
)

var dispositionNames = [...]string{
	DispositionNew:       "new",
	DispositionUpdate:    "update",
	DispositionConflict:  "conflict",
	DispositionUnmatched: "unmatched",
	DispositionLocked:    "locked",
	DispositionError:     "error",
	DispositionUnchanged: "unchanged",
}

func (d Disposition) String() string {
	if d < 0 || int(d) >= len(dispositionNames) {
		return "unknown"
	}
	return dispositionNames[d]
}

// MarshalText lets preview payloads carry the readable name.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText restores a disposition from its name.
func (d *Disposition) UnmarshalText(text []byte) error {
	for i, name := range dispositionNames {
		if name == string(text) {
			*d = Disposition(i)
			return nil
		}
	}
	*d = DispositionError
	return nil
}

// Dispositions lists every value in classification order, for summary counts.
func Dispositions() []Disposition {
	out := make([]Disposition, len(dispositionNames))
	for i := range dispositionNames {
		out[i] = Disposition(i)
	}
	return out
}

// DiffInput carries one normalized row plus the ledger facts needed to
// classify it. The caller resolves the lookups; Classify itself is pure.
type DiffInput struct {
	Row NormalizedRow

	// Existing is the voucher sharing (counterparty, kind, number), nil when
	// none exists.
	Existing *Voucher

	// HasAllocations is true when the existing voucher has allocation rows.
	HasAllocations bool

	// HasPendingChange is true while an undecided change request targets the
	// existing voucher.
	HasPendingChange bool

	// HasDecidedChanges is true when a prior change request against the
	// existing voucher was approved or rejected.
	HasDecidedChanges bool

	// PeriodLocked is true when the row's trade date falls in a locked period.
	PeriodLocked bool
}

// Classify assigns the disposition for one row. First matching rule wins:
// structural problems, unmatched counterparty, locked period, missing
// voucher, identical fields, then the update/conflict split on whether the
// voucher can still be safely overwritten.
func Classify(in DiffInput) Disposition {
	if len(in.Row.Problems) > 0 {
		return DispositionError
	}
	if in.Row.CounterpartyID == nil {
		return DispositionUnmatched
	}
	if in.PeriodLocked {
		return DispositionLocked
	}
	if in.Existing == nil {
		return DispositionNew
	}
	if in.Row.SameFields(*in.Existing) && !in.HasPendingChange {
		return DispositionUnchanged
	}
	if in.HasAllocations || in.HasPendingChange || in.HasDecidedChanges {
		return DispositionConflict
	}
	return DispositionUpdate
}
