package network

import (
	"context"
	"sync"
	"time"
)

const (
	dialRetries     = 2
	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = 1 * time.Second
	dialTimeout     = 8 * time.Second
)

type addrFailure struct {
	count int
	last  time.Time
}

// dialTracker retries failed dials with capped exponential backoff and
// remembers consecutive failures per address.
type dialTracker struct {
	mu       sync.Mutex
	failures map[string]*addrFailure
	base     time.Duration
	max      time.Duration
	retries  int
}

func newDialTracker() *dialTracker {
	return &dialTracker{
		failures: make(map[string]*addrFailure),
		base:     dialBackoffBase,
		max:      dialBackoffMax,
		retries:  dialRetries,
	}
}

func (d *dialTracker) backoff(attempt int) time.Duration {
	wait := d.base << (attempt - 1)
	if wait <= 0 || wait > d.max {
		wait = d.max
	}
	return wait
}

func dialWith[T any](ctx context.Context, d *dialTracker, addr string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(d.backoff(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				if lastErr == nil {
					lastErr = ctx.Err()
				}
				return zero, lastErr
			case <-t.C:
			}
		}
		out, err := fn(ctx)
		if err == nil {
			d.reset(addr)
			return out, nil
		}
		lastErr = err
		d.recordFailure(addr)
		if ctx.Err() != nil {
			break
		}
	}
	return zero, lastErr
}

func (d *dialTracker) recordFailure(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ent := d.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		d.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (d *dialTracker) reset(addr string) {
	d.mu.Lock()
	delete(d.failures, addr)
	d.mu.Unlock()
}

func (d *dialTracker) failureCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ent := d.failures[addr]; ent != nil {
		return ent.count
	}
	return 0
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), dialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, dialTimeout)
}
