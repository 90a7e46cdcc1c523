package services

import "github.com/prometheus/client_golang/prometheus"

var (
	issuesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_issues_published_total",
		Help: "Newsletter issues committed together with their delivery fan-out.",
	})
	tasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_tasks_enqueued_total",
		Help: "Delivery tasks created by the outbox.",
	})
	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_idempotent_replays_total",
		Help: "Guarded requests answered from a stored response.",
	})
)

func init() {
	prometheus.MustRegister(issuesPublished, tasksEnqueued, idempotentReplays)
}

// ObservePublished records a committed publish with n enqueued tasks. Publish
// calls it itself; callers of PublishTx call it once their transaction has
// committed.
func ObservePublished(n int) {
	issuesPublished.Inc()
	tasksEnqueued.Add(float64(n))
}
