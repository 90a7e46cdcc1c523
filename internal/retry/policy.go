// Package retry decides when a failed delivery attempt should be retried and
// when to give up. It is pure: time is always passed in by the caller.
package retry

import (
	"math"
	"time"
)

// Defaults used when a Policy field is left zero.
const (
	DefaultBase        = time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 10
)

// Policy is a capped exponential backoff with a bounded number of attempts.
type Policy struct {
	Base        time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Decision is the outcome of Next. When GiveUp is true the other fields are
// zero.
type Decision struct {
	GiveUp  bool
	Delay   time.Duration
	RetryAt time.Time
}

// DefaultPolicy returns the 1s base, 5m cap, 10 attempt policy.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Next decides what happens after an attempt failed transiently.
// attemptCount is the number of failed attempts recorded before the one
// that just failed. The task gives up once attemptCount+1 reaches
// MaxAttempts; otherwise it is retried after Delay(attemptCount).
func (p Policy) Next(attemptCount int, now time.Time) Decision {
	p = p.withDefaults()
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount+1 >= p.MaxAttempts {
		return Decision{GiveUp: true}
	}
	d := p.Delay(attemptCount)
	return Decision{Delay: d, RetryAt: now.Add(d)}
}

// Delay returns min(Base * 2^attemptCount, MaxDelay) without overflowing.
func (p Policy) Delay(attemptCount int) time.Duration {
	p = p.withDefaults()
	if attemptCount <= 0 {
		return min(p.Base, p.MaxDelay)
	}

	// Largest shift that keeps Base<<n inside int64.
	logBase := math.Floor(math.Log2(float64(p.Base)))
	var maxShifts uint
	if logBase < 62 {
		maxShifts = 62 - uint(logBase)
	}

	n := min(uint(attemptCount), maxShifts)
	return min(p.Base<<n, p.MaxDelay)
}
