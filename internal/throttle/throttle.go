// Package throttle bounds the rate of calls to external services.
//
// The payment watcher polls a public blockchain explorer whose rate
// limits are easy to trip when a cycle checks many invoices. A Pacer
// enforces a fixed minimum interval between successive calls while
// staying responsive to cancellation.
package throttle

import (
	"context"
	"sync"
	"time"
)

// Pacer spaces successive calls at least Interval apart. The first
// call passes immediately. Safe for concurrent use, though callers are
// expected to be a single polling loop.
type Pacer struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewPacer creates a pacer with the given minimum interval between
// calls. A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval}
}

// Interval returns the configured minimum spacing.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the interval since the previous admitted call has
// elapsed, or returns ctx.Err() if the context is cancelled first.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := time.Now()
	next := p.last.Add(p.interval)
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
		next = now
	}
	p.last = next
	p.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
