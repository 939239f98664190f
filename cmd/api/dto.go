package main

import (
	"time"

	"github.com/shopspring/decimal"

	"gigflow/contract"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/profile"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/review"
)

type projectResponse struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CategoryID  string          `json:"category_id,omitempty"`
	BudgetMin   decimal.Decimal `json:"budget_min"`
	BudgetMax   decimal.Decimal `json:"budget_max"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
}

func toProject(p project.Project) projectResponse {
	return projectResponse{
		ID:          p.ID,
		ClientID:    p.ClientID,
		Title:       p.Title,
		Description: p.Description,
		CategoryID:  p.CategoryID,
		BudgetMin:   p.BudgetMin,
		BudgetMax:   p.BudgetMax,
		Status:      string(p.Status),
		CreatedAt:   stamp(p.CreatedAt),
	}
}

type proposalResponse struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	FreelancerID  string          `json:"freelancer_id"`
	CoverLetter   string          `json:"cover_letter"`
	Price         decimal.Decimal `json:"price"`
	EstimatedDays int             `json:"estimated_days"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
}

func toProposal(p proposal.Proposal) proposalResponse {
	return proposalResponse{
		ID:            p.ID,
		ProjectID:     p.ProjectID,
		FreelancerID:  p.FreelancerID,
		CoverLetter:   p.CoverLetter,
		Price:         p.Price,
		EstimatedDays: p.EstimatedDays,
		Status:        string(p.Status),
		CreatedAt:     stamp(p.CreatedAt),
	}
}

type contractResponse struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	ProposalID   string          `json:"proposal_id"`
	ClientID     string          `json:"client_id"`
	FreelancerID string          `json:"freelancer_id"`
	Status       string          `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	CreatedAt    string          `json:"created_at"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

func toContract(c contract.Contract) contractResponse {
	out := contractResponse{
		ID:           c.ID,
		ProjectID:    c.ProjectID,
		ProposalID:   c.ProposalID,
		ClientID:     c.ClientID,
		FreelancerID: c.FreelancerID,
		Status:       string(c.Status),
		TotalAmount:  c.TotalAmount,
		CreatedAt:    stamp(c.CreatedAt),
	}
	if c.CompletedAt != nil {
		out.CompletedAt = stamp(*c.CompletedAt)
	}
	return out
}

type milestoneResponse struct {
	ID            string          `json:"id"`
	ContractID    string          `json:"contract_id"`
	Title         string          `json:"title"`
	Amount        decimal.Decimal `json:"amount"`
	WorkStatus    string          `json:"work_status"`
	PaymentStatus string          `json:"payment_status"`
}

func toMilestone(m escrow.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:            m.ID,
		ContractID:    m.ContractID,
		Title:         m.Title,
		Amount:        m.Amount,
		WorkStatus:    string(m.WorkStatus),
		PaymentStatus: string(m.PaymentStatus),
	}
}

type reviewResponse struct {
	ID         string         `json:"id"`
	ContractID string         `json:"contract_id"`
	ReviewerID string         `json:"reviewer_id"`
	RevieweeID string         `json:"reviewee_id"`
	Rating     int            `json:"rating"`
	SubRatings subRatingsBody `json:"sub_ratings"`
	Comment    string         `json:"comment,omitempty"`
	Public     bool           `json:"public"`
	CreatedAt  string         `json:"created_at"`
}

type subRatingsBody struct {
	Communication *int `json:"communication,omitempty"`
	Quality       *int `json:"quality,omitempty"`
	Expertise     *int `json:"expertise,omitempty"`
	Deadline      *int `json:"deadline,omitempty"`
	Value         *int `json:"value,omitempty"`
	Clarity       *int `json:"clarity,omitempty"`
	Payment       *int `json:"payment,omitempty"`
}

func (b subRatingsBody) domain() review.SubRatings {
	return review.SubRatings(b)
}

func toReview(rv review.Review) reviewResponse {
	return reviewResponse{
		ID:         rv.ID,
		ContractID: rv.ContractID,
		ReviewerID: rv.ReviewerID,
		RevieweeID: rv.RevieweeID,
		Rating:     rv.Rating,
		SubRatings: subRatingsBody(rv.SubRatings),
		Comment:    rv.Comment,
		Public:     rv.Public,
		CreatedAt:  stamp(rv.CreatedAt),
	}
}

type disputeResponse struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	OpenedBy   string `json:"opened_by"`
	Reason     string `json:"reason"`
	Status     string `json:"status"`
	Outcome    string `json:"outcome,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

func toDispute(d dispute.Dispute) disputeResponse {
	out := disputeResponse{
		ID:         d.ID,
		ContractID: d.ContractID,
		OpenedBy:   d.OpenedBy,
		Reason:     d.Reason,
		Status:     string(d.Status),
		Resolution: d.Resolution,
		CreatedAt:  stamp(d.CreatedAt),
	}
	if d.Outcome != nil {
		out.Outcome = string(*d.Outcome)
	}
	if d.ResolvedAt != nil {
		out.ResolvedAt = stamp(*d.ResolvedAt)
	}
	return out
}

type profileResponse struct {
	UserID        string          `json:"user_id"`
	Role          string          `json:"role"`
	TotalSpent    decimal.Decimal `json:"total_spent"`
	TotalEarnings decimal.Decimal `json:"total_earnings"`
	AverageRating decimal.Decimal `json:"average_rating"`
	ReviewCount   int             `json:"review_count"`
}

func toProfile(p profile.Profile) profileResponse {
	return profileResponse{
		UserID:        p.UserID,
		Role:          p.Role,
		TotalSpent:    p.TotalSpent,
		TotalEarnings: p.TotalEarnings,
		AverageRating: p.AverageRating,
		ReviewCount:   p.ReviewCount,
	}
}

func mapAll[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
