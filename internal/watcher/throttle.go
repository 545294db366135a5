package watcher

import (
	"context"
	"time"
)

// Throttle enforces a process-wide minimum interval between upload starts.
// The next slot is measured from the moment the previous caller actually
// proceeded, so a late wake-up never lets two calls run closer than the
// interval. The slot is taken when the attempt starts, so failed attempts
// count too.
type Throttle struct {
	interval time.Duration
	sem      chan struct{}
	last     time.Time
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// NewThrottle creates a throttle; a non-positive interval disables it
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		sem:      make(chan struct{}, 1),
		now:      time.Now,
		after:    time.After,
	}
}

// Wait blocks until the next upload may start or ctx is done. Callers are
// admitted one at a time.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.interval <= 0 {
		return nil
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-t.sem }()

	if !t.last.IsZero() {
		if wait := t.last.Add(t.interval).Sub(t.now()); wait > 0 {
			select {
			case <-t.after(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	t.last = t.now()
	return nil
}

// Interval returns the configured minimum spacing
func (t *Throttle) Interval() time.Duration {
	return t.interval
}
