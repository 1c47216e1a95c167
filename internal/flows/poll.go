package flows

import (
	"context"
	"time"
)

// Clock abstracts time for the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

// PollPolicy bounds a poll loop. The first wait is InitialDelay, every later
// wait is Interval, and polling ends once Timeout has elapsed.
type PollPolicy struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// PollDecision is the outcome of [NextPoll].
type PollDecision struct {
	Stop     bool
	TimedOut bool
	Wait     time.Duration
}

// PollStatus reports how [RunPoll] ended.
type PollStatus int

const (
	PollCompleted PollStatus = iota
	PollTimedOut
	PollCancelled
)

// NextPoll decides what happens after attempt checks have run (attempt 0 is
// before the first check). A finished check always wins over the deadline.
// Waits are clamped to the remaining budget so the last check lands on the
// deadline instead of past it.
func NextPoll(p PollPolicy, attempt int, elapsed time.Duration, done bool) PollDecision {
	if done {
		return PollDecision{Stop: true}
	}
	if elapsed >= p.Timeout {
		return PollDecision{Stop: true, TimedOut: true}
	}

	wait := p.Interval
	if attempt == 0 {
		wait = p.InitialDelay
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	if remaining := p.Timeout - elapsed; wait > remaining {
		wait = remaining
	}
	return PollDecision{Wait: wait}
}

// CheckFunc performs one poll iteration. done=true ends the loop with result.
type CheckFunc[T any] func(ctx context.Context) (result T, done bool, err error)

// RunPoll waits and checks according to p until check reports done, the
// budget runs out, or ctx is cancelled. Cancellation is observed at every
// wait and before every check; no check runs after cancellation.
func RunPoll[T any](ctx context.Context, clock Clock, p PollPolicy, check CheckFunc[T]) (T, PollStatus, error) {
	if clock == nil {
		clock = SystemClock()
	}
	var (
		last T
		done bool
	)
	start := clock.Now()

	for attempt := 0; ; attempt++ {
		d := NextPoll(p, attempt, clock.Now().Sub(start), done)
		if d.Stop {
			if d.TimedOut {
				return last, PollTimedOut, nil
			}
			return last, PollCompleted, nil
		}

		select {
		case <-ctx.Done():
			return last, PollCancelled, ctx.Err()
		case <-clock.After(d.Wait):
		}
		if err := ctx.Err(); err != nil {
			return last, PollCancelled, err
		}

		result, ok, err := check(ctx)
		if err != nil {
			return last, PollCompleted, err
		}
		last, done = result, ok
	}
}
