// Package poll implements the fixed-interval, fixed-attempt retry loop used
// wherever the system waits on the chain. The attempt budget is the only
// timeout: a poll never runs longer than roughly Attempts × Interval.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt ran without the condition
// being met.
var ErrExhausted = errors.New("poll: attempts exhausted")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Bounded polls a condition a fixed number of times with a fixed pause
// between attempts. The pause is not exponential.
type Bounded struct {
	Interval time.Duration
	Attempts int
	Sleep    SleepFunc
}

// Run calls check with attempt numbers 1..Attempts until it returns true.
// It sleeps between attempts, never after the last one. It returns the
// number of attempts made, and ErrExhausted or the context error when the
// condition was never met.
func (b Bounded) Run(ctx context.Context, check func(ctx context.Context, attempt int) bool) (int, error) {
	sleep := b.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; attempt <= b.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if check(ctx, attempt) {
			return attempt, nil
		}
		if attempt == b.Attempts {
			break
		}
		if err := sleep(ctx, b.Interval); err != nil {
			return attempt, err
		}
	}

	return b.Attempts, ErrExhausted
}

// MaxWait is the worst-case time spent sleeping by Run.
func (b Bounded) MaxWait() time.Duration {
	if b.Attempts <= 1 {
		return 0
	}
	return time.Duration(b.Attempts-1) * b.Interval
}
