package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Sweep defaults. StaleAfter must exceed the send timeout so a live send is
// never mistaken for an abandoned claim.
const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepSchedule = "@every 1m"
)

// Sweeper returns tasks stuck in in_flight after a worker crash to pending.
// A task counts as stuck once its claim is older than StaleAfter; its
// attempt count is left unchanged.
type Sweeper struct {
	Store      StaleRequeuer
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewSweeper returns a sweeper over store; staleAfter <= 0 means
// DefaultStaleAfter.
func NewSweeper(store StaleRequeuer, staleAfter time.Duration) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		Store:      store,
		StaleAfter: staleAfter,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep performs one pass and returns how many tasks were reset.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	n, err := s.Store.RequeueStale(ctx, now, s.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	if n > 0 {
		StaleRequeuedTotal.Add(float64(n))
		log.Warn().Int64("tasks", n).Dur("stale_after", s.StaleAfter).Msg("requeued stale in-flight deliveries")
	}
	return n, nil
}

// Schedule registers the sweep on a new cron scheduler using spec, which may
// be a five-field expression or a descriptor such as "@every 1m". The caller
// starts and stops the returned scheduler.
func (s *Sweeper) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("stale sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return c, nil
}
