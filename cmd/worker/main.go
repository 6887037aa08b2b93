package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Devika21/email-campaign-scheduler/internal/clock"
	"github.com/Devika21/email-campaign-scheduler/internal/config"
	"github.com/Devika21/email-campaign-scheduler/internal/engine"
	"github.com/Devika21/email-campaign-scheduler/internal/mailer"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
	"github.com/Devika21/email-campaign-scheduler/internal/worker"
)

// The worker binary is a headless dispatch process. Any number of them can
// run concurrently against the same Postgres and Redis; the queue's claim
// step and the record store's conditional updates keep them coordinated.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	redisClient, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	clk := clock.System{}
	q := queue.New(redisClient, clk, logger)
	rateWindow := engine.NewRateWindow(redisClient, clk, logger)
	scheduler := engine.NewCampaignScheduler(pg, q, clk, logger, cfg.DelayBetweenMs, cfg.HourlyLimit)

	transport := mailer.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	handler := worker.NewHandler(pg, q, rateWindow, transport, clk, nil, logger)

	pool := worker.NewPool(cfg.WorkerConcurrency, time.Duration(cfg.DelayBetweenMs)*time.Millisecond, handler, q, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(q, pool, logger)

	// Periodic jobs: the reconciliation sweep re-enqueues PENDING recipients
	// whose tasks were lost (partial schedule, worker crash after claim), and
	// the prune keeps the completed-id set bounded.
	c := cron.New()
	if _, err := c.AddFunc(cfg.ReconcileSpec, func() {
		if err := scheduler.Reconcile(context.Background()); err != nil {
			logger.Error("reconciliation sweep failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid reconcile schedule", "error", err, "spec", cfg.ReconcileSpec)
		os.Exit(1)
	}
	if _, err := c.AddFunc("@hourly", func() {
		if err := q.Prune(context.Background()); err != nil {
			logger.Error("queue prune failed", "error", err)
		}
	}); err != nil {
		logger.Error("invalid prune schedule", "error", err)
		os.Exit(1)
	}
	c.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(ctx)
		return nil
	})

	logger.Info("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"delay_between_ms", cfg.DelayBetweenMs,
		"hourly_limit", cfg.HourlyLimit,
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker error", "error", err)
	}

	<-c.Stop().Done()
	pool.Stop()
	logger.Info("worker stopped")
}
