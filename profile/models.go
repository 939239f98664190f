package profile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile holds cached per-user aggregates. Every field is derivable from the
// ledger or the review set.
type Profile struct {
	UserID        string
	Role          string
	TotalSpent    decimal.Decimal
	TotalEarnings decimal.Decimal
	AverageRating decimal.Decimal
	ReviewCount   int
	UpdatedAt     time.Time
}
