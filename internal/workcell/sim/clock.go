package sim

import (
	"context"
	"sync"
	"time"
)

// Clock is a virtual clock for simulated runs: Sleep advances time instantly,
// so a multi-hour wait completes in microseconds while logs and timeouts
// still see realistic elapsed times.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the virtual clock at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d unless ctx is already done.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}
