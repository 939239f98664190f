package review

import "time"

// SubRatings are optional 1-5 scores kept for display only.
type SubRatings struct {
	Communication *int
	Quality       *int
	Expertise     *int
	Deadline      *int
	Value         *int
	Clarity       *int
	Payment       *int
}

func (s SubRatings) each(fn func(name string, v *int)) {
	fn("communication", s.Communication)
	fn("quality", s.Quality)
	fn("expertise", s.Expertise)
	fn("deadline", s.Deadline)
	fn("value", s.Value)
	fn("clarity", s.Clarity)
	fn("payment", s.Payment)
}

type Review struct {
	ID         string
	ContractID string
	ReviewerID string
	RevieweeID string
	Rating     int
	SubRatings SubRatings
	Comment    string
	Public     bool
	CreatedAt  time.Time
}

type SubmitParams struct {
	ContractID string
	// RevieweeID defaults to the other party when empty.
	RevieweeID string
	Rating     int
	SubRatings SubRatings
	Comment    string
	// Public defaults to true.
	Public *bool
}
