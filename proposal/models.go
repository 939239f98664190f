package proposal

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusAwarded   Status = "awarded"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

type Proposal struct {
	ID            string
	ProjectID     string
	FreelancerID  string
	CoverLetter   string
	Price         decimal.Decimal
	EstimatedDays int
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SubmitParams struct {
	ProjectID     string
	CoverLetter   string
	Price         decimal.Decimal
	EstimatedDays int
}
