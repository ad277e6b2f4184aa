package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ledgerkeep/ledgerkeep/internal/accounts"
	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/app"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/shared"
	"github.com/ledgerkeep/ledgerkeep/internal/tax"
	"github.com/ledgerkeep/ledgerkeep/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	accountsRepo := accounts.NewRepository(dbpool)

	fiscalRepo := fiscal.NewRepository(dbpool)
	fiscalService := fiscal.NewService(fiscalRepo, auditLogger)
	fiscalHandler := fiscal.NewHandler(logger, fiscalService)

	taxDeriver := tax.NewDeriver(dbpool)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, accountsRepo, fiscalService, taxDeriver, auditLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	arRepo := ar.NewRepository(dbpool)
	arService := ar.NewService(arRepo, accountsRepo, auditLogger)
	arHandler := ar.NewHandler(logger, arService)

	apRepo := ap.NewRepository(dbpool)
	apService := ap.NewService(apRepo, accountsRepo, ledgerService, auditLogger)
	apHandler := ap.NewHandler(logger, apService)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("init jobs client", slog.Any("error", err))
	} else {
		apService.WithRemittances(jobsClient)
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		FiscalHandler: fiscalHandler,
		LedgerHandler: ledgerHandler,
		ARHandler:     arHandler,
		APHandler:     apHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
