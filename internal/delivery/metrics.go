package delivery

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// Delivery metrics. They are package-level so every worker in the process
// reports into the same series; register them once with MustRegister.
var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_deliveries_total",
			Help: "Delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retried, dead_lettered
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_retries_total",
			Help: "Transient delivery failures that were rescheduled, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_dead_letters_total",
			Help: "Tasks moved to dead_lettered, by reason.",
		},
		[]string{"reason"},
	)

	WriteBackErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_writeback_errors_total",
			Help: "Outcome updates that failed; the task stays in_flight until swept.",
		},
	)

	ClaimsLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_claims_lost_total",
			Help: "Tasks skipped because their claim was requeued or taken by another worker.",
		},
	)

	ClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsletter_claim_batch_size",
			Help:    "Number of tasks claimed per non-empty batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsletter_send_duration_seconds",
			Help:    "Latency of calls to the email transport.",
			Buckets: prometheus.DefBuckets,
		},
	)

	StaleRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_stale_tasks_requeued_total",
			Help: "In-flight tasks returned to pending by the stale sweep.",
		},
	)

	Backlog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newsletter_delivery_backlog",
			Help: "Delivery tasks per state.",
		},
		[]string{"state"},
	)

	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsletter_delivery_oldest_pending_age_seconds",
			Help: "Age of the earliest due pending task; 0 when nothing is pending.",
		},
	)
)

// MustRegister registers the delivery metrics on reg and panics if any is
// already registered.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesTotal,
		RetriesTotal,
		DeadLettersTotal,
		WriteBackErrorsTotal,
		ClaimsLostTotal,
		ClaimBatchSize,
		SendDuration,
		StaleRequeuedTotal,
		Backlog,
		OldestPendingAge,
	)
}

// UpdateBacklog refreshes the backlog gauges from the database.
func UpdateBacklog(ctx context.Context, db *gorm.DB, now time.Time) error {
	st, err := repo.DeliveryQueueStats(ctx, db)
	if err != nil {
		return err
	}
	for _, s := range []domain.TaskState{domain.TaskPending, domain.TaskInFlight, domain.TaskDone, domain.TaskDeadLettered} {
		Backlog.WithLabelValues(string(s)).Set(float64(st.ByState[s]))
	}
	age := 0.0
	if st.OldestPendingAt != nil && now.After(*st.OldestPendingAt) {
		age = now.Sub(*st.OldestPendingAt).Seconds()
	}
	OldestPendingAge.Set(age)
	return nil
}

// StartBacklogMonitor refreshes the backlog gauges every interval until ctx
// is cancelled.
func StartBacklogMonitor(ctx context.Context, db *gorm.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		logger := log.With().Str("component", "delivery-backlog").Logger()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := UpdateBacklog(ctx, db, time.Now().UTC()); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to read delivery backlog")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
