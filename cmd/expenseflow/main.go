package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/expenseflow/expenseflow/internal/app"
	"github.com/expenseflow/expenseflow/internal/company"
	"github.com/expenseflow/expenseflow/internal/currency"
	"github.com/expenseflow/expenseflow/internal/directory"
	"github.com/expenseflow/expenseflow/internal/expense"
	"github.com/expenseflow/expenseflow/internal/observability"
	"github.com/expenseflow/expenseflow/internal/platform/cache"
	"github.com/expenseflow/expenseflow/internal/platform/db"
	"github.com/expenseflow/expenseflow/internal/shared"
	"github.com/expenseflow/expenseflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queueClient := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)

	directoryService := directory.NewService(directory.NewRepository(pool))
	companyService := company.NewService(company.NewRepository(pool), auditLogger)

	rateClient := currency.NewClient(cfg.RateProviderURL)
	rateCache := currency.NewRateCache(redisClient, cfg.RateCacheTTL)
	converter := currency.NewConverter(rateClient, rateCache)

	notifier := app.NewTaskNotifier(logger, queueClient, directoryService)

	expenseService := expense.NewService(expense.ServiceParams{
		Logger:      logger,
		Repo:        expense.NewRepository(pool),
		Companies:   companyService,
		Directory:   directoryService,
		Converter:   converter,
		Audit:       auditLogger,
		Idempotency: idempotency,
		Notifier:    notifier,
		Metrics:     metrics,
		Config:      expense.ServiceConfig{TaskDueAfter: cfg.TaskDueAfter},
	})

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		Pool:             pool,
		Redis:            redisClient,
		ExpenseHandler:   expense.NewHandler(logger, expenseService),
		CompanyHandler:   company.NewHandler(logger, companyService, directoryService),
		DirectoryHandler: directory.NewHandler(logger, directoryService),
		JobHandler:       jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
