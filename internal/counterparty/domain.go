package counterparty

import (
	"errors"
	"strings"
	"time"
)

// Kind enumerates which side of the ledger a counterparty trades on.
type Kind string

const (
	KindSeller Kind = "SELLER"
	KindBuyer  Kind = "BUYER"
	KindBoth   Kind = "BOTH"
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	switch k {
	case KindSeller, KindBuyer, KindBoth:
		return true
	default:
		return false
	}
}

// Includes reports whether a counterparty of this kind is eligible for the
// requested scope. An empty scope matches everything.
func (k Kind) Includes(scope Kind) bool {
	if scope == "" || k == KindBoth {
		return true
	}
	return k == scope
}

// Counterparty is a canonical trading partner record.
type Counterparty struct {
	ID        int64
	Name      string
	Kind      Kind
	Active    bool
	Favorite  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Alias maps one raw text spelling to a counterparty. Alias text is unique
// across the whole system.
type Alias struct {
	ID             int64
	Text           string
	CounterpartyID int64
	LastUsedAt     time.Time
	CreatedAt      time.Time
}

// CreateInput for new counterparties.
type CreateInput struct {
	Name     string `json:"name" validate:"required"`
	Kind     Kind   `json:"kind" validate:"required"`
	Favorite bool   `json:"favorite"`
}

// Validate checks the create input.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("counterparty: name required")
	}
	if !in.Kind.Valid() {
		return ErrInvalidKind
	}
	return nil
}

// UpdateInput for counterparty updates.
type UpdateInput struct {
	Name     *string `json:"name"`
	Kind     *Kind   `json:"kind"`
	Active   *bool   `json:"active"`
	Favorite *bool   `json:"favorite"`
}

// ListFilter narrows counterparty listings.
type ListFilter struct {
	Kind     Kind
	Search   string
	Active   *bool
	Favorite *bool
}

// MapUnmatchedInput maps a previously-unmatched raw name onto an alias. Either
// TargetID points at an existing counterparty or NewName creates one first.
type MapUnmatchedInput struct {
	AliasText string `json:"alias_text" validate:"required"`
	TargetID  *int64 `json:"target_id"`
	NewName   string `json:"new_name"`
	NewKind   Kind   `json:"new_kind"`
}

// BatchSkip explains one skipped row in a partial-success batch.
type BatchSkip struct {
	ID     int64  `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Reason string `json:"reason"`
}

// BatchResult summarises a partial-success batch operation.
type BatchResult struct {
	SucceededCount int         `json:"succeeded_count"`
	SkippedCount   int         `json:"skipped_count"`
	Skipped        []BatchSkip `json:"skipped,omitempty"`
}

var (
	ErrNotFound      = errors.New("counterparty: not found")
	ErrInvalidKind   = errors.New("counterparty: invalid kind")
	ErrNameTaken     = errors.New("counterparty: name already exists")
	ErrAliasTaken    = errors.New("counterparty: alias already mapped")
	ErrAliasNotFound = errors.New("counterparty: alias not found")
	ErrHasVouchers   = errors.New("counterparty: has linked vouchers")
	ErrHasAliases    = errors.New("counterparty: has aliases")
	ErrMappingTarget = errors.New("counterparty: mapping needs target id or new name")
)
