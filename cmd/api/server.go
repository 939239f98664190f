package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/contract"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/metrics"
	"gigflow/notify"
	"gigflow/profile"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/review"
)

type Accounts interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
}

type CSRF interface {
	auth.CSRFValidator
	Issue(userID, form string) (string, error)
}

type Projects interface {
	Create(ctx context.Context, actor auth.Identity, params project.CreateParams) (project.Project, error)
	Get(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context, filters project.Filters) (project.ListResult, error)
	Close(ctx context.Context, actor auth.Identity, projectID string, status project.Status) (project.Project, error)
	Delete(ctx context.Context, actor auth.Identity, projectID string) error
}

type Proposals interface {
	Submit(ctx context.Context, actor auth.Identity, params proposal.SubmitParams) (proposal.Proposal, error)
	Withdraw(ctx context.Context, actor auth.Identity, proposalID string) (proposal.Proposal, error)
	ListForProject(ctx context.Context, actor auth.Identity, projectID string) ([]proposal.Proposal, error)
	Mine(ctx context.Context, actor auth.Identity) ([]proposal.Proposal, error)
}

type Contracts interface {
	Award(ctx context.Context, actor auth.Identity, proposalID string) (contract.AwardResult, error)
	Revoke(ctx context.Context, actor auth.Identity, projectID string) (contract.RevokeResult, error)
	Complete(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Get(ctx context.Context, actor auth.Identity, contractID string) (contract.Contract, error)
	Mine(ctx context.Context, actor auth.Identity) ([]contract.Contract, error)
}

type Milestones interface {
	Fund(ctx context.Context, actor auth.Identity, milestoneID string) (escrow.Milestone, error)
	Release(ctx context.Context, actor auth.Identity, milestoneID string) (escrow.ReleaseResult, error)
	Refund(ctx context.Context, actor auth.Identity, milestoneID string) (escrow.Milestone, error)
	AddMilestone(ctx context.Context, actor auth.Identity, contractID, title string, amount decimal.Decimal) (escrow.Milestone, error)
	UpdateWork(ctx context.Context, actor auth.Identity, milestoneID string, next escrow.WorkStatus) (escrow.Milestone, error)
	List(ctx context.Context, actor auth.Identity, contractID string) ([]escrow.Milestone, error)
}

type Reviews interface {
	Submit(ctx context.Context, actor auth.Identity, params review.SubmitParams) (review.Result, error)
	ForUser(ctx context.Context, actor auth.Identity, revieweeID string) ([]review.Review, error)
}

type Disputes interface {
	Open(ctx context.Context, actor auth.Identity, contractID, reason string) (dispute.Dispute, error)
	Resolve(ctx context.Context, actor auth.Identity, disputeID string, outcome dispute.Outcome, note string) (dispute.ResolveResult, error)
	ForContract(ctx context.Context, actor auth.Identity, contractID string) ([]dispute.Dispute, error)
	Queue(ctx context.Context, actor auth.Identity, limit int) ([]dispute.Dispute, error)
}

type Profiles interface {
	Get(ctx context.Context, userID string) (profile.Profile, error)
	TopRated(ctx context.Context, role string, limit int) ([]profile.Profile, error)
}

type Inbox interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, userID, id string) (bool, error)
}

// Server is the gigflow HTTP boundary. Every state-changing route requires a
// bearer token and a CSRF form token in the X-CSRF-Token header.
type Server struct {
	accounts       Accounts
	csrf           CSRF
	projects       Projects
	proposals      Proposals
	contracts      Contracts
	milestones     Milestones
	reviews        Reviews
	disputes       Disputes
	profiles       Profiles
	inbox          Inbox
	logger         *zap.Logger
	requestTimeout time.Duration
	ready          func(context.Context) error
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	timeout := s.requestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(observe)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Get("/profiles", s.handleTopRated)
		r.Get("/profiles/{id}", s.handleGetProfile)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/csrf", s.handleIssueCSRF)
			r.Get("/projects/{id}/proposals", s.handleProjectProposals)
			r.Get("/proposals/mine", s.handleMyProposals)
			r.Get("/contracts", s.handleMyContracts)
			r.Get("/contracts/{id}", s.handleGetContract)
			r.Get("/contracts/{id}/milestones", s.handleListMilestones)
			r.Get("/contracts/{id}/disputes", s.handleContractDisputes)
			r.Get("/disputes", s.handleDisputeQueue)
			r.Get("/users/{id}/reviews", s.handleUserReviews)
			r.Get("/notifications", s.handleNotifications)

			r.With(s.csrfFor("create_project")).Post("/projects", s.handleCreateProject)
			r.With(s.csrfFor("close_project")).Post("/projects/{id}/close", s.handleCloseProject)
			r.With(s.csrfFor("delete_project")).Delete("/projects/{id}", s.handleDeleteProject)
			r.With(s.csrfFor("submit_proposal")).Post("/projects/{id}/proposals", s.handleSubmitProposal)
			r.With(s.csrfFor("withdraw_proposal")).Post("/proposals/{id}/withdraw", s.handleWithdrawProposal)
			r.With(s.csrfFor("award_contract")).Post("/proposals/{id}/award", s.handleAward)
			r.With(s.csrfFor("revoke_contract")).Post("/projects/{id}/revoke", s.handleRevoke)
			r.With(s.csrfFor("complete_contract")).Post("/contracts/{id}/complete", s.handleComplete)
			r.With(s.csrfFor("add_milestone")).Post("/contracts/{id}/milestones", s.handleAddMilestone)
			r.With(s.csrfFor("fund_milestone")).Post("/milestones/{id}/fund", s.handleFund)
			r.With(s.csrfFor("release_milestone")).Post("/milestones/{id}/release", s.handleRelease)
			r.With(s.csrfFor("refund_milestone")).Post("/milestones/{id}/refund", s.handleRefund)
			r.With(s.csrfFor("update_milestone_work")).Post("/milestones/{id}/work", s.handleUpdateWork)
			r.With(s.csrfFor("submit_review")).Post("/contracts/{id}/reviews", s.handleSubmitReview)
			r.With(s.csrfFor("open_dispute")).Post("/contracts/{id}/disputes", s.handleOpenDispute)
			r.With(s.csrfFor("resolve_dispute")).Post("/disputes/{id}/resolve", s.handleResolveDispute)
			r.With(s.csrfFor("mark_notification_read")).Post("/notifications/{id}/read", s.handleMarkRead)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey int

const ctxKeyIdentity ctxKey = iota

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return id
}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			respondError(w, http.StatusUnauthorized, kindUnauthorized, "missing bearer token")
			return
		}
		id, err := s.accounts.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			respondError(w, http.StatusUnauthorized, kindUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// csrfFor rejects the request unless X-CSRF-Token was issued to the caller
// for form. It must run behind authenticate.
func (s *Server) csrfFor(form string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := identityFrom(r.Context())
			if !s.csrf.Validate(caller.UserID, r.Header.Get("X-CSRF-Token"), form) {
				respondError(w, http.StatusForbidden, string(apperr.KindForbidden), "invalid CSRF token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// observe records request duration by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
