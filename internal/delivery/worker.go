package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/email"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/retry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sender delivers one message and reports failures wrapped in
// email.ErrTransient or email.ErrPermanent. Unclassified errors are treated
// as transient.
type Sender interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// Config tunes a Worker. Zero values fall back to the defaults below.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	ErrorBackoff time.Duration
	SendTimeout  time.Duration
	// Concurrency bounds parallel sends within one batch.
	Concurrency int
	// RatePerSec throttles sends across the batch; 0 means unlimited.
	RatePerSec float64
	Retry      retry.Policy
}

// Defaults applied by NewWorker to zero Config fields.
const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 10 * time.Second
	DefaultErrorBackoff = time.Second
	DefaultSendTimeout  = 10 * time.Second
	DefaultConcurrency  = 4
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Worker claims due tasks, sends them and records each outcome.
type Worker struct {
	Store    TaskStore
	Sender   Sender
	Notifier DeadLetterNotifier
	Cfg      Config

	// Now is injectable for tests.
	Now func() time.Time

	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewWorker builds a worker. A nil notifier discards dead-letter events.
func NewWorker(store TaskStore, sender Sender, notifier DeadLetterNotifier, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = NopNotifier{}
	}
	w := &Worker{
		Store:    store,
		Sender:   sender,
		Notifier: notifier,
		Cfg:      cfg,
		Now:      func() time.Time { return time.Now().UTC() },
		log:      log.With().Str("component", "delivery-worker").Logger(),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return w
}

// Run processes batches until ctx is cancelled. It sleeps PollInterval when
// the queue is empty and ErrorBackoff after a failed claim. A batch that was
// already claimed when ctx is cancelled is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Int("batch_size", w.Cfg.BatchSize).
		Int("concurrency", w.Cfg.Concurrency).
		Dur("poll_interval", w.Cfg.PollInterval).
		Msg("delivery worker started")
	defer w.log.Info().Msg("delivery worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.ProcessBatch(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			w.log.Error().Err(err).Msg("claim failed")
			wait = w.Cfg.ErrorBackoff
		case n == 0:
			wait = w.Cfg.PollInterval
		default:
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// ProcessBatch claims up to BatchSize due tasks and settles each of them.
// It returns how many tasks were claimed. Only a failed claim is reported as
// an error; per-task failures are recorded on the task itself.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}
	tasks, err := w.Store.ClaimBatch(ctx, w.now(), w.Cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	ClaimBatchSize.Observe(float64(len(tasks)))

	// Claimed tasks are finished even if the caller is shutting down.
	work := context.WithoutCancel(ctx)

	issues := w.loadIssues(work, tasks)

	g := new(errgroup.Group)
	g.SetLimit(w.Cfg.Concurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			w.settle(work, t, issues[t.IssueID])
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks), nil
}

type issueResult struct {
	issue *domain.NewsletterIssue
	err   error
}

// loadIssues fetches every distinct issue of the batch once.
func (w *Worker) loadIssues(ctx context.Context, tasks []domain.DeliveryTask) map[string]issueResult {
	out := make(map[string]issueResult, 1)
	for _, t := range tasks {
		if _, ok := out[t.IssueID]; ok {
			continue
		}
		is, err := w.Store.GetIssue(ctx, t.IssueID)
		out[t.IssueID] = issueResult{issue: is, err: err}
	}
	return out
}

// settle sends one task and records the outcome.
func (w *Worker) settle(ctx context.Context, t domain.DeliveryTask, ir issueResult) {
	ctx, span := otel.Tracer("delivery/Worker").Start(ctx, "deliver",
		trace.WithAttributes(
			attribute.String("issue.id", t.IssueID),
			attribute.Int("attempt", t.AttemptCount),
		),
	)
	defer span.End()

	l := w.log.With().
		Str("issue_id", t.IssueID).
		Str("subscriber_email", t.SubscriberEmail).
		Int("attempt", t.AttemptCount).
		Logger()

	if ir.err != nil || ir.issue == nil {
		err := ir.err
		if err == nil {
			err = errors.New("issue not loaded")
		}
		span.RecordError(err)
		w.retryOrGiveUp(ctx, l, t, "issue_unavailable", err)
		return
	}

	to, err := domain.ParseEmail(t.SubscriberEmail)
	if err != nil {
		span.SetStatus(codes.Error, "invalid recipient")
		w.deadLetter(ctx, l, t, "invalid_recipient", err)
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			w.retryOrGiveUp(ctx, l, t, "throttled", err)
			return
		}
	}

	// The task may have sat in the batch long enough for the sweep to hand
	// it to another worker. Only the current holder sends.
	t, err = w.Store.Renew(ctx, t, w.now())
	if err != nil {
		w.writeBackFailed(l, "renew", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.Cfg.SendTimeout)
	start := time.Now()
	err = w.Sender.Send(sendCtx, to.String(), ir.issue.Title, ir.issue.TextContent, ir.issue.HTMLContent)
	cancel()
	SendDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if werr := w.Store.Complete(ctx, t, w.now()); werr != nil {
			w.writeBackFailed(l, "complete", werr)
			return
		}
		DeliveriesTotal.WithLabelValues("delivered").Inc()
		l.Debug().Msg("delivered")
	case errors.Is(err, email.ErrPermanent):
		span.RecordError(err)
		span.SetStatus(codes.Error, "permanent failure")
		w.deadLetter(ctx, l, t, email.Reason(err), err)
	default:
		span.RecordError(err)
		reason := email.Reason(err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		w.retryOrGiveUp(ctx, l, t, reason, err)
	}
}

// retryOrGiveUp handles a transient failure through the retry policy.
func (w *Worker) retryOrGiveUp(ctx context.Context, l zerolog.Logger, t domain.DeliveryTask, reason string, cause error) {
	now := w.now()
	dec := w.Cfg.Retry.Next(t.AttemptCount, now)
	if dec.GiveUp {
		w.deadLetter(ctx, l, t, "max_attempts", cause)
		return
	}
	if err := w.Store.Reschedule(ctx, t, t.AttemptCount+1, dec.RetryAt, errString(cause), now); err != nil {
		w.writeBackFailed(l, "reschedule", err)
		return
	}
	DeliveriesTotal.WithLabelValues("retried").Inc()
	RetriesTotal.WithLabelValues(reason).Inc()
	l.Warn().
		Err(cause).
		Str("reason", reason).
		Dur("delay", dec.Delay).
		Time("next_attempt_at", dec.RetryAt).
		Msg("delivery failed, retry scheduled")
}

// deadLetter moves the task to its terminal failure state and notifies.
func (w *Worker) deadLetter(ctx context.Context, l zerolog.Logger, t domain.DeliveryTask, reason string, cause error) {
	now := w.now()
	attempt := t.AttemptCount + 1
	lastErr := errString(cause)
	if err := w.Store.DeadLetter(ctx, t, attempt, fmt.Sprintf("%s: %s", reason, lastErr), now); err != nil {
		w.writeBackFailed(l, "dead_letter", err)
		return
	}
	DeliveriesTotal.WithLabelValues("dead_lettered").Inc()
	DeadLettersTotal.WithLabelValues(reason).Inc()
	l.Error().Err(cause).Str("reason", reason).Msg("delivery dead-lettered")

	if err := w.Notifier.Notify(ctx, NewDeadLetter(t, attempt, lastErr, reason, now)); err != nil {
		l.Error().Err(err).Msg("dead-letter notification failed")
	}
}

// writeBackFailed records a store update that did not apply. ErrNotFound
// means the claim was taken over; the new holder owns the task from here.
func (w *Worker) writeBackFailed(l zerolog.Logger, op string, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		ClaimsLostTotal.Inc()
		l.Warn().Str("op", op).Msg("claim lost; task left to its current holder")
		return
	}
	WriteBackErrorsTotal.Inc()
	l.Error().Err(err).Str("op", op).Msg("failed to record delivery outcome; task stays in flight until swept")
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
