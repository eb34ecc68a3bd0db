// Package schedule drives periodic jobs at a fixed rate.
package schedule

import (
	"context"
	"sync"
	"time"
)

const minInterval = time.Millisecond

// Ticker paces a job at a fixed rate. Ticks missed while the job was running
// are skipped rather than queued.
type Ticker struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	notify   chan struct{}
	now      func() time.Time
}

// New creates a ticker whose first tick fires one interval from now.
func New(interval time.Duration) *Ticker {
	if interval < minInterval {
		interval = minInterval
	}
	t := &Ticker{
		interval: interval,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
	t.next = t.now().Add(interval)
	return t
}

// Interval returns the current period.
func (t *Ticker) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the period; a pending Wait is rescheduled.
func (t *Ticker) SetInterval(d time.Duration) {
	if d < minInterval {
		d = minInterval
	}
	t.mu.Lock()
	if t.interval == d {
		t.mu.Unlock()
		return
	}
	t.next = t.next.Add(d - t.interval)
	t.interval = d
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the next tick or until ctx is done.
func (t *Ticker) Wait(ctx context.Context) (time.Time, error) {
	for {
		t.mu.Lock()
		delay := t.next.Sub(t.now())
		t.mu.Unlock()

		if delay <= 0 {
			return t.advance(), nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-t.notify:
			timer.Stop()
			continue
		case <-timer.C:
			return t.advance(), nil
		}
	}
}

func (t *Ticker) advance() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	fired := t.next
	t.next = t.next.Add(t.interval)
	if !t.next.After(now) {
		t.next = now.Add(t.interval)
	}
	return fired
}

// Run invokes fn on every tick until ctx is done. fn runs on the calling
// goroutine, so long jobs should hand work to a pool.
func (t *Ticker) Run(ctx context.Context, fn func(context.Context, time.Time)) error {
	for {
		at, err := t.Wait(ctx)
		if err != nil {
			return err
		}
		fn(ctx, at)
	}
}

// Every runs fn at the given period until ctx is done.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context, time.Time)) error {
	return New(interval).Run(ctx, fn)
}
