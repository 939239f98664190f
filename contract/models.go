package contract

import (
	"time"

	"github.com/shopspring/decimal"

	"gigflow/auth"
	"gigflow/project"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

type Contract struct {
	ID           string
	ProjectID    string
	ProposalID   string
	ClientID     string
	FreelancerID string
	Status       Status
	TotalAmount  decimal.Decimal
	Terms        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Party reports whether the identity is the contract's client or freelancer.
func (c Contract) Party(id auth.Identity) bool {
	return id.UserID == c.ClientID || id.UserID == c.FreelancerID
}

// Counterparty returns the other side of the contract for a party.
func (c Contract) Counterparty(userID string) string {
	if userID == c.ClientID {
		return c.FreelancerID
	}
	return c.ClientID
}

type AwardResult struct {
	Contract Contract
	Project  project.Project
}

type RevokeResult struct {
	ProjectID          string
	ContractID         string
	RefundedMilestones []string
	DeletedProposals   int64
}
