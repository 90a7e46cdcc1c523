package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/delivery"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/observability"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/retry"
)

const (
	backlogInterval        = 15 * time.Second
	idempotencyPurgeSpec   = "@every 1h"
	metricsShutdownTimeout = 5 * time.Second
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background delivery worker",
	Long: `Claim due deliveries, send them through the email API and record the
outcome. Failed sends are retried with exponential backoff and dead-lettered
once the retry budget is spent.

The worker also requeues deliveries stuck in flight after a crash, purges
expired idempotency keys and serves Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWorker(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// workerConfig maps process configuration onto the delivery worker.
func workerConfig(c config.Config) delivery.Config {
	return delivery.Config{
		BatchSize:    c.Worker.BatchSize,
		PollInterval: c.Worker.PollInterval,
		ErrorBackoff: c.Worker.ErrorBackoff,
		SendTimeout:  c.Worker.SendTimeout,
		Concurrency:  c.Worker.SendConcurrency,
		RatePerSec:   c.Worker.SendRatePerSec,
		Retry: retry.Policy{
			Base:        c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			MaxAttempts: c.Retry.MaxAttempts,
		},
	}
}

// newNotifier returns the dead-letter notifier and a stop function.
func newNotifier(c config.Config) (delivery.DeadLetterNotifier, func(), error) {
	if !c.Worker.PublishDLQ {
		return delivery.NopNotifier{}, func() {}, nil
	}
	n, err := delivery.NewNSQNotifier(c.Worker.NsqdTCPAddr, c.Worker.DLQTopic)
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer for DLQ: %w", err)
	}
	return n, n.Stop, nil
}

// metricsServer exposes the worker registry and a liveness endpoint.
func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func purgeIdempotency(ctx context.Context, db *gorm.DB) {
	n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("purge expired idempotency keys failed")
		return
	}
	if n > 0 {
		log.Info().Int64("keys", n).Msg("purged expired idempotency keys")
	}
}

func runWorker(ctx context.Context) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, appVersion(), observability.RoleWorker)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer closeDB(db)

	mailer, err := email.NewClient(email.Config{
		BaseURL:   cfg.Email.BaseURL,
		Sender:    cfg.Email.Sender,
		AuthToken: cfg.Email.AuthToken,
		Timeout:   cfg.Email.Timeout,
	})
	if err != nil {
		return err
	}

	notifier, stopNotifier, err := newNotifier(cfg)
	if err != nil {
		return err
	}
	defer stopNotifier()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	delivery.MustRegister(reg)

	store := &delivery.GormStore{DB: db, RetainDone: cfg.Worker.RetainDone}

	sweeper := delivery.NewSweeper(store, cfg.Worker.StaleAfter)
	scheduler, err := sweeper.Schedule(ctx, cfg.Worker.SweepSchedule)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	if _, err := scheduler.AddFunc(idempotencyPurgeSpec, func() { purgeIdempotency(ctx, db) }); err != nil {
		return fmt.Errorf("purge schedule: %w", err)
	}
	// Recover tasks left in flight by a previous crash before claiming.
	if _, err := sweeper.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("startup sweep failed")
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	delivery.StartBacklogMonitor(ctx, db, backlogInterval)

	srv := metricsServer(cfg.Worker.MetricsAddr, reg)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("worker metrics server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	wcfg := workerConfig(cfg)
	for i := 0; i < cfg.Worker.Count; i++ {
		w := delivery.NewWorker(store, mailer, notifier, wcfg)
		g.Go(func() error { return w.Run(gctx) })
	}

	log.Info().
		Int("workers", cfg.Worker.Count).
		Bool("publish_dlq", cfg.Worker.PublishDLQ).
		Str("sweep", cfg.Worker.SweepSchedule).
		Msg("delivery worker running")
	return g.Wait()
}
