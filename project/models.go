package project

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusClosed, StatusCancelled},
	StatusInProgress: {StatusOpen, StatusCompleted, StatusClosed, StatusCancelled},
}

// CanTransitionTo reports whether the project state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Project struct {
	ID          string
	ClientID    string
	Title       string
	Description string
	CategoryID  string
	BudgetMin   decimal.Decimal
	BudgetMax   decimal.Decimal
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CreateParams struct {
	Title       string
	Description string
	CategoryID  string
	BudgetMin   decimal.Decimal
	BudgetMax   decimal.Decimal
}

type Filters struct {
	ClientID   string
	Status     Status
	CategoryID string
	Page       int
	PageSize   int
	SortKey    string
	SortOrder  string
}

type ListResult struct {
	Items []Project
	Total int
}
