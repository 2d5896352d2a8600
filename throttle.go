package tapak

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleGate spaces the start of outbound sends by a minimum interval,
// process-wide. It bounds the start rate only; admitted sends run
// concurrently.
//
// The limiter queues callers and rejects waits that cannot finish before
// the ctx deadline. Its reservations live in limiter time, so admission
// also checks the wall-clock distance from the previous start.
type ThrottleGate struct {
	limiter  *rate.Limiter
	interval time.Duration
	now      func() time.Time

	// admit is held while a caller measures and waits out the remaining
	// spacing. A channel so that waiting for it honors ctx.
	admit chan struct{}

	mu        sync.Mutex
	lastStart time.Time
}

// NewThrottleGate returns a gate admitting one send per interval. A zero or
// negative interval admits every send immediately.
func NewThrottleGate(interval time.Duration) *ThrottleGate {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ThrottleGate{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
		now:      time.Now,
		admit:    make(chan struct{}, 1),
	}
}

// Wait blocks until a send may start, then records that start. It returns
// ctx.Err() if ctx ends first, or an error if the wait would outlast the
// ctx deadline.
func (g *ThrottleGate) Wait(ctx context.Context) error {
	_, err := g.admitAt(ctx)
	return err
}

// admitAt is Wait reporting the start it recorded. Consecutive starts are
// never closer than interval.
func (g *ThrottleGate) admitAt(ctx context.Context) (time.Time, error) {
	if g.interval <= 0 {
		return g.mark(g.now()), nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	select {
	case g.admit <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-g.admit }()

	for {
		now := g.now()
		remaining := g.interval - now.Sub(g.LastStart())
		if remaining <= 0 {
			return g.mark(now), nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		}
	}
}

func (g *ThrottleGate) mark(start time.Time) time.Time {
	g.mu.Lock()
	g.lastStart = start
	g.mu.Unlock()
	return start
}

// Interval returns the configured minimum spacing.
func (g *ThrottleGate) Interval() time.Duration {
	return g.interval
}

// LastStart returns the time the most recent send was admitted.
func (g *ThrottleGate) LastStart() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStart
}
