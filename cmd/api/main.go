package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigflow/auth"
	"gigflow/bootstrap"
	"gigflow/contract"
	"gigflow/db"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/profile"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/rating"
	"gigflow/review"
)

func main() {
	configPath := flag.String("config", os.Getenv("GIGFLOW_CONFIG"), "path to YAML config")
	migrate := flag.Bool("migrate", false, "apply migrations before serving")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, *configPath)
	defer deps.Close()
	if err != nil {
		if deps != nil && deps.Logger != nil {
			deps.Logger.Fatal("bootstrap", zap.Error(err))
		}
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		os.Exit(1)
	}
	logger := deps.Logger

	if *migrate {
		if err := db.Migrate(ctx, deps.Pool); err != nil {
			logger.Fatal("apply migrations", zap.Error(err))
		}
	}

	server := wire(deps)
	httpServer := &http.Server{
		Addr:              deps.Config.HTTP.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if deps.Config.Relay.Enabled {
		g.Go(func() error { return deps.Relay().Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

// wire builds every service over the shared pool and outbox queue.
func wire(deps *bootstrap.Deps) *Server {
	pool, queue, logger := deps.Pool, deps.Queue, deps.Logger

	accounts := auth.NewService(auth.NewRepository(pool), deps.Config.Auth.JWTSecret).
		WithTokenTTL(deps.Config.Auth.TokenTTL)

	projectRepo := project.NewRepository(pool)
	proposalRepo := proposal.NewRepository()
	contractRepo := contract.NewRepository()
	profileRepo := profile.NewRepository(pool)

	esc := escrow.NewService(pool, escrow.NewRepository(), ledger.NewRecorder(), queue,
		profile.NewTotals(profileRepo, logger), logger)

	return &Server{
		accounts:       accounts,
		csrf:           auth.NewCSRF(accounts, deps.Config.Auth.CSRFTTL),
		projects:       project.NewService(pool, projectRepo, queue),
		proposals:      proposal.NewService(pool, proposalRepo, projectRepo, queue),
		contracts:      contract.NewService(pool, contractRepo, projectRepo, proposalRepo, esc, queue, logger),
		milestones:     esc,
		reviews:        review.NewService(pool, review.NewRepository(), contractRepo, rating.NewAggregator(), queue),
		disputes:       dispute.NewService(pool, dispute.NewRepository(), contractRepo, projectRepo, esc, queue, logger),
		profiles:       profile.NewService(profileRepo),
		inbox:          notify.NewStore(pool),
		logger:         logger,
		requestTimeout: deps.Config.HTTP.RequestTimeout,
		ready:          func(ctx context.Context) error { return deps.Pool.Ping(ctx) },
	}
}
