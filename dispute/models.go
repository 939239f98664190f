package dispute

import (
	"time"

	"gigflow/contract"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Outcome is the administrator's decision on a dispute.
type Outcome string

const (
	// OutcomeResume returns the contract to active with escrow untouched.
	OutcomeResume Outcome = "resume"
	// OutcomeRelease pays out every escrowed milestone and resumes the contract.
	OutcomeRelease Outcome = "release"
	// OutcomeRefund refunds every escrowed milestone and cancels the contract
	// and its project.
	OutcomeRefund Outcome = "refund"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeResume, OutcomeRelease, OutcomeRefund:
		return true
	}
	return false
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID         string
	ContractID string
	OpenedBy   string
	Reason     string
	Status     Status
	Outcome    *Outcome
	Resolution string
	ResolvedBy *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

type ResolveResult struct {
	Dispute  Dispute
	Contract contract.Contract
	Released []string
	Refunded []string
}
