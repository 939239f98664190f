package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/review"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.failAuth(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, map[string]string{
		"id":    user.ID,
		"email": user.Email,
		"role":  string(user.Role),
	}, "/login")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.failAuth(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{
		"token":   res.Token,
		"user_id": res.User.ID,
		"role":    string(res.User.Role),
	}, "/dashboard")
}

func (s *Server) handleIssueCSRF(w http.ResponseWriter, r *http.Request) {
	form := strings.TrimSpace(r.URL.Query().Get("form"))
	if form == "" {
		respondError(w, http.StatusBadRequest, string(apperr.KindValidation), "form is required")
		return
	}
	token, err := s.csrf.Issue(identityFrom(r.Context()).UserID, form)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"token": token}, "")
}

type createProjectRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CategoryID  string          `json:"category_id"`
	BudgetMin   decimal.Decimal `json:"budget_min"`
	BudgetMax   decimal.Decimal `json:"budget_max"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.projects.Create(r.Context(), identityFrom(r.Context()), project.CreateParams(req))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, toProject(p), "/projects/"+p.ID)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.projects.List(r.Context(), project.Filters{
		ClientID:   q.Get("client_id"),
		Status:     project.Status(q.Get("status")),
		CategoryID: q.Get("category_id"),
		Page:       atoi(q.Get("page")),
		PageSize:   atoi(q.Get("page_size")),
		SortKey:    q.Get("sort"),
		SortOrder:  q.Get("order"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"items": mapAll(res.Items, toProject),
		"total": res.Total,
	}, "")
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toProject(p), "")
}

func (s *Server) handleCloseProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status project.Status `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.projects.Close(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toProject(p), "/admin/projects")
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.Delete(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, nil, "/admin/projects")
}

type submitProposalRequest struct {
	CoverLetter   string          `json:"cover_letter"`
	Price         decimal.Decimal `json:"price"`
	EstimatedDays int             `json:"estimated_days"`
}

func (s *Server) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	var req submitProposalRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	projectID := chi.URLParam(r, "id")
	p, err := s.proposals.Submit(r.Context(), identityFrom(r.Context()), proposal.SubmitParams{
		ProjectID:     projectID,
		CoverLetter:   req.CoverLetter,
		Price:         req.Price,
		EstimatedDays: req.EstimatedDays,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, toProposal(p), "/projects/"+projectID)
}

func (s *Server) handleWithdrawProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Withdraw(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toProposal(p), "/proposals/mine")
}

func (s *Server) handleProjectProposals(w http.ResponseWriter, r *http.Request) {
	out, err := s.proposals.ListForProject(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toProposal), "")
}

func (s *Server) handleMyProposals(w http.ResponseWriter, r *http.Request) {
	out, err := s.proposals.Mine(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toProposal), "")
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	res, err := s.contracts.Award(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, map[string]any{
		"contract": toContract(res.Contract),
		"project":  toProject(res.Project),
	}, "/contracts/"+res.Contract.ID)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	res, err := s.contracts.Revoke(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"project_id":          res.ProjectID,
		"contract_id":         res.ContractID,
		"refunded_milestones": res.RefundedMilestones,
		"deleted_proposals":   res.DeletedProposals,
	}, "/projects/"+res.ProjectID)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.Complete(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toContract(c), "/contracts/"+c.ID+"/review")
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.contracts.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toContract(c), "")
}

func (s *Server) handleMyContracts(w http.ResponseWriter, r *http.Request) {
	out, err := s.contracts.Mine(r.Context(), identityFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toContract), "")
}

func (s *Server) handleAddMilestone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string          `json:"title"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	contractID := chi.URLParam(r, "id")
	m, err := s.milestones.AddMilestone(r.Context(), identityFrom(r.Context()), contractID, req.Title, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, toMilestone(m), "/contracts/"+contractID)
}

func (s *Server) handleListMilestones(w http.ResponseWriter, r *http.Request) {
	out, err := s.milestones.List(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toMilestone), "")
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	m, err := s.milestones.Fund(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toMilestone(m), "/contracts/"+m.ContractID)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	res, err := s.milestones.Release(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"milestone":      toMilestone(res.Milestone),
		"ledger_entries": res.EntryIDs,
	}, "/contracts/"+res.Milestone.ContractID)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	m, err := s.milestones.Refund(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toMilestone(m), "/contracts/"+m.ContractID)
}

func (s *Server) handleUpdateWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status escrow.WorkStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := s.milestones.UpdateWork(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toMilestone(m), "/contracts/"+m.ContractID)
}

type submitReviewRequest struct {
	RevieweeID string         `json:"reviewee_id"`
	Rating     int            `json:"rating"`
	SubRatings subRatingsBody `json:"sub_ratings"`
	Comment    string         `json:"comment"`
	Public     *bool          `json:"public"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req submitReviewRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.reviews.Submit(r.Context(), identityFrom(r.Context()), review.SubmitParams{
		ContractID: chi.URLParam(r, "id"),
		RevieweeID: req.RevieweeID,
		Rating:     req.Rating,
		SubRatings: req.SubRatings.domain(),
		Comment:    req.Comment,
		Public:     req.Public,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, map[string]any{
		"review":         toReview(res.Review),
		"average_rating": res.Summary.Average,
		"review_count":   res.Summary.Count,
	}, "/users/"+res.Review.RevieweeID)
}

func (s *Server) handleUserReviews(w http.ResponseWriter, r *http.Request) {
	out, err := s.reviews.ForUser(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toReview), "")
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	contractID := chi.URLParam(r, "id")
	d, err := s.disputes.Open(r.Context(), identityFrom(r.Context()), contractID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, toDispute(d), "/contracts/"+contractID)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome dispute.Outcome `json:"outcome"`
		Note    string          `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.disputes.Resolve(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), req.Outcome, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]any{
		"dispute":  toDispute(res.Dispute),
		"contract": toContract(res.Contract),
		"released": res.Released,
		"refunded": res.Refunded,
	}, "/admin/disputes")
}

func (s *Server) handleContractDisputes(w http.ResponseWriter, r *http.Request) {
	out, err := s.disputes.ForContract(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toDispute), "")
}

func (s *Server) handleDisputeQueue(w http.ResponseWriter, r *http.Request) {
	out, err := s.disputes.Queue(r.Context(), identityFrom(r.Context()), atoi(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toDispute), "")
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, toProfile(p), "")
}

func (s *Server) handleTopRated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.profiles.TopRated(r.Context(), q.Get("role"), atoi(q.Get("limit")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, mapAll(out, toProfile), "")
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := s.inbox.ListForUser(r.Context(), identityFrom(r.Context()).UserID, atoi(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, r, apperr.FromDB("notify: list", err))
		return
	}
	respondOK(w, http.StatusOK, out, "")
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ok, err := s.inbox.MarkRead(r.Context(), identityFrom(r.Context()).UserID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, apperr.FromDB("notify: mark read", err))
		return
	}
	if !ok {
		s.fail(w, r, apperr.NotFound("notify: mark read", "notification not found"))
		return
	}
	respondOK(w, http.StatusOK, nil, "")
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}
