package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentInEscrow PaymentStatus = "in_escrow"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
)

// Settled reports whether the status is terminal.
func (p PaymentStatus) Settled() bool {
	return p == PaymentReleased || p == PaymentRefunded
}

// CanTransitionTo enforces unpaid -> in_escrow -> {released | refunded}.
func (p PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch p {
	case PaymentUnpaid:
		return next == PaymentInEscrow
	case PaymentInEscrow:
		return next == PaymentReleased || next == PaymentRefunded
	default:
		return false
	}
}

type WorkStatus string

const (
	WorkPending    WorkStatus = "pending"
	WorkInProgress WorkStatus = "in_progress"
	WorkCompleted  WorkStatus = "completed"
)

func (w WorkStatus) rank() int {
	switch w {
	case WorkPending:
		return 0
	case WorkInProgress:
		return 1
	case WorkCompleted:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo allows forward moves only.
func (w WorkStatus) CanAdvanceTo(next WorkStatus) bool {
	return next.rank() > w.rank() && w.rank() >= 0
}

type Milestone struct {
	ID            string
	ContractID    string
	Title         string
	Amount        decimal.Decimal
	WorkStatus    WorkStatus
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ContractRef is the slice of a contract the escrow manager reasons about.
type ContractRef struct {
	ID           string
	ProjectID    string
	ClientID     string
	FreelancerID string
	Status       string
	TotalAmount  decimal.Decimal
}

const contractActive = "active"
const contractDisputed = "disputed"

// Locked is a milestone row held under FOR UPDATE together with its contract.
type Locked struct {
	Milestone
	Contract ContractRef
}

// Settlement is a completed release that still needs its cached totals applied.
type Settlement struct {
	MilestoneID  string
	ClientID     string
	FreelancerID string
	Amount       decimal.Decimal
}

// ReleaseResult is returned by Release and carries the two ledger entry ids.
type ReleaseResult struct {
	Milestone Milestone
	EntryIDs  [2]string
}
