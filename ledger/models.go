package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeEscrowFunding Type = "escrow_funding"
	TypeEscrowRelease Type = "escrow_release"
	TypeRefund        Type = "refund"
	TypeWithdrawal    Type = "withdrawal"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEscrowFunding, TypeEscrowRelease, TypeRefund, TypeWithdrawal:
		return true
	default:
		return false
	}
}

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Side names which party of a contract an entry belongs to. It is part of
// the idempotency key.
type Side string

const (
	SideClient     Side = "client"
	SideFreelancer Side = "freelancer"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID             string
	UserID         string
	Type           Type
	Direction      Direction
	Amount         decimal.Decimal
	Status         string
	RelatedUserID  string
	ContractID     string
	MilestoneID    string
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Key builds the idempotency key for a milestone-scoped entry.
func Key(milestoneID string, t Type, side Side) string {
	return milestoneID + ":" + string(t) + ":" + string(side)
}
