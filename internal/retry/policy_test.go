package retry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestNext_DefaultTable(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		attempt int
		giveUp  bool
		delay   time.Duration
	}{
		{0, false, time.Second},
		{1, false, 2 * time.Second},
		{2, false, 4 * time.Second},
		{3, false, 8 * time.Second},
		{7, false, 128 * time.Second},
		{8, false, 256 * time.Second},
		{9, true, 0},
		{10, true, 0},
		{42, true, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			d := p.Next(tt.attempt, t0)
			require.Equal(t, tt.giveUp, d.GiveUp)
			if tt.giveUp {
				assert.Zero(t, d.Delay)
				assert.True(t, d.RetryAt.IsZero())
				return
			}
			assert.Equal(t, tt.delay, d.Delay)
			assert.Equal(t, t0.Add(tt.delay), d.RetryAt)
		})
	}
}

func TestNext_CapsAtMaxDelay(t *testing.T) {
	p := Policy{Base: time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 100}

	assert.Equal(t, 256*time.Second, p.Next(8, t0).Delay)
	assert.Equal(t, 5*time.Minute, p.Next(9, t0).Delay)
	assert.Equal(t, 5*time.Minute, p.Next(60, t0).Delay)
	assert.Equal(t, 5*time.Minute, p.Next(98, t0).Delay)
	assert.True(t, p.Next(99, t0).GiveUp)
}

func TestNext_Monotonic(t *testing.T) {
	p := Policy{Base: 250 * time.Millisecond, MaxDelay: time.Hour, MaxAttempts: 1000}
	prev := time.Duration(0)
	for n := 0; n < 999; n++ {
		d := p.Next(n, t0)
		require.False(t, d.GiveUp, "attempt %d", n)
		require.GreaterOrEqual(t, d.Delay, prev, "attempt %d", n)
		require.LessOrEqual(t, d.Delay, time.Hour, "attempt %d", n)
		prev = d.Delay
	}
}

func TestNext_GiveUpAfterExactlyMaxAttempts(t *testing.T) {
	p := Policy{Base: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 4}

	// Simulate a task that always fails transiently.
	attempts := 0
	for {
		d := p.Next(attempts, t0)
		attempts++
		if d.GiveUp {
			break
		}
	}
	assert.Equal(t, 4, attempts)
}

func TestDelay_NoOverflow(t *testing.T) {
	p := Policy{Base: time.Duration(1 << 61), MaxDelay: time.Duration(1<<63 - 1), MaxAttempts: 100}
	assert.Positive(t, p.Delay(50))

	huge := Policy{Base: time.Hour, MaxDelay: 24 * time.Hour}
	assert.Equal(t, 24*time.Hour, huge.Delay(1000))
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, time.Second, p.Next(0, t0).Delay)
	assert.True(t, p.Next(9, t0).GiveUp)
	assert.Equal(t, time.Second, p.Next(-3, t0).Delay)
}
