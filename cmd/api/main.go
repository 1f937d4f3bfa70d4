package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/markless/backend/internal/auth"
	"github.com/markless/backend/internal/config"
	"github.com/markless/backend/internal/credits"
	"github.com/markless/backend/internal/execution"
	"github.com/markless/backend/internal/jobs"
	"github.com/markless/backend/internal/jobstate"
	"github.com/markless/backend/internal/ledger"
	"github.com/markless/backend/internal/middleware"
	"github.com/markless/backend/internal/outbox"
	"github.com/markless/backend/internal/promo"
	"github.com/markless/backend/internal/router"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	slog.Info("Configuration loaded", "config", cfg.String())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)

	// Outbox
	outboxRepo := outbox.NewRepository(pool)
	sender := outbox.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken)
	dispatcherCfg := outbox.DefaultConfig()
	dispatcherCfg.PollInterval = cfg.OutboxPollInterval
	dispatcherCfg.BatchSize = cfg.OutboxBatchSize
	dispatcherCfg.MaxAttempts = cfg.OutboxMaxAttempts
	dispatcher := outbox.NewDispatcher(outboxRepo, sender, dispatcherCfg, logger)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertProcessVideoTxFunc
	insertProcessVideo := func(ctx context.Context, tx pgx.Tx, args execution.ProcessVideoArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsRepo := jobs.NewRepository(pool)
	eventRepo := jobstate.NewEventRepository(pool)
	stateSvc := jobstate.NewService(pool, jobsRepo, eventRepo, logger)
	creditsMgr := credits.NewManager(pool, ledgerSvc, jobsRepo, outboxRepo)
	jobsSvc := jobs.NewService(jobsRepo, creditsMgr, stateSvc, insertProcessVideo, cfg.JobMaxRetries, logger)

	// Execution worker (reports outcomes back through jobsSvc)
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewProcessVideoWorker(jobsSvc, cfg.ProcessorURL))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.ProcessVideoArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Promo
	promoRepo := promo.NewRepository(pool)
	promoSvc := promo.NewService(pool, promoRepo, authRepo, ledgerSvc, outboxRepo, cfg.NewAccountWindow, logger)
	promoHandler := promo.NewHandler(promoSvc, promoRepo, logger)

	creditsHandler := credits.NewHandler(ledgerSvc, creditsMgr, ledgerRepo, logger)
	jobsHandler := jobs.NewHandler(jobsSvc, eventRepo, ledgerRepo, logger)

	authMW := middleware.JWTAuth(authSvc, authRepo)
	internalMW := middleware.InternalToken(cfg.InternalToken)
	spendMW := middleware.SpendLimit(pool, jobs.CostForDuration)

	apiRouter := router.New(authHandler, creditsHandler, jobsHandler, promoHandler, authMW, internalMW, spendMW)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://app.markless.io"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Start outbox dispatcher
	dispatcherCtx, stopDispatcher := context.WithCancel(ctx)
	defer stopDispatcher()
	go dispatcher.Run(dispatcherCtx)

	serverAddr := "0.0.0.0:" + strconv.Itoa(cfg.Port)
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
