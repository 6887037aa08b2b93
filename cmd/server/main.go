package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Devika21/email-campaign-scheduler/internal/api"
	"github.com/Devika21/email-campaign-scheduler/internal/clock"
	"github.com/Devika21/email-campaign-scheduler/internal/config"
	"github.com/Devika21/email-campaign-scheduler/internal/engine"
	"github.com/Devika21/email-campaign-scheduler/internal/mailer"
	"github.com/Devika21/email-campaign-scheduler/internal/queue"
	"github.com/Devika21/email-campaign-scheduler/internal/store"
	ws "github.com/Devika21/email-campaign-scheduler/internal/websocket"
	"github.com/Devika21/email-campaign-scheduler/internal/worker"
)

// The server binary runs the HTTP API, the live dashboard hub and a full
// dispatch stack. Additional headless workers (cmd/worker) can run next to
// it against the same Postgres and Redis.
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
	logger.Info("connected to PostgreSQL")

	if err := pg.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisClient, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	clk := clock.System{}
	q := queue.New(redisClient, clk, logger)
	rateWindow := engine.NewRateWindow(redisClient, clk, logger)
	scheduler := engine.NewCampaignScheduler(pg, q, clk, logger, cfg.DelayBetweenMs, cfg.HourlyLimit)

	hub := ws.NewHub(logger)
	go hub.Run()

	transport := mailer.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	handler := worker.NewHandler(pg, q, rateWindow, transport, clk, hub, logger)

	pool := worker.NewPool(cfg.WorkerConcurrency, time.Duration(cfg.DelayBetweenMs)*time.Millisecond, handler, q, logger)
	pool.Start(ctx)

	dispatcher := worker.NewDispatcher(q, pool, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	// Periodic jobs run here too so a single-binary deployment still
	// reconciles lost tasks and prunes the completed-id set.
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

	router := api.NewRouter(pg, scheduler, q, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// The dispatcher must stop submitting before the pool's task channel
	// closes.
	g.Wait()
	<-c.Stop().Done()
	pool.Stop()

	logger.Info("server stopped")
}
