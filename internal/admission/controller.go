// Package admission serializes access to the heavy backend with a counting
// semaphore and FIFO waiter hand-off.
package admission

import (
	"context"
	"sync"
)

// Controller is a counting semaphore guarding heavy-backend invocations.
// At most max slots are held at once; callers beyond that queue in FIFO
// order. Every acquired slot must be released exactly once — a leaked slot
// permanently shrinks capacity until process restart, so callers should
// prefer Do over a bare Acquire/Release pair.
type Controller struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters []chan struct{}

	// onChange, when set, observes (active, waiting) after every transition.
	onChange func(active, waiting int)
}

// New creates a controller permitting max concurrent holders.
// A max below 1 is treated as 1.
func New(max int) *Controller {
	if max < 1 {
		max = 1
	}
	return &Controller{max: max}
}

// SetObserver installs a callback invoked with (active, waiting) counts after
// every state change. Used to feed gauges.
func (c *Controller) SetObserver(fn func(active, waiting int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Acquire obtains a slot, blocking until one frees or ctx is done.
// On a nil error the caller owns a slot and must call Release exactly once.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.active < c.max && len(c.waiters) == 0 {
		c.active++
		c.notifyLocked()
		c.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	c.waiters = append(c.waiters, ready)
	c.notifyLocked()
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range c.waiters {
			if w == ready {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				c.notifyLocked()
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The slot was granted between ctx firing and us re-acquiring the
		// lock. The grant stands; hand it straight back.
		select {
		case <-ready:
		default:
		}
		c.Release()
		return ctx.Err()
	}
}

// TryAcquire obtains a slot without blocking. Returns false if none is free.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active < c.max && len(c.waiters) == 0 {
		c.active++
		c.notifyLocked()
		return true
	}
	return false
}

// Release frees a slot, handing it to the longest-waiting caller if any.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active <= 0 {
		panic("admission: release without matching acquire")
	}
	if len(c.waiters) > 0 {
		ready := c.waiters[0]
		c.waiters = c.waiters[1:]
		close(ready)
		// active is unchanged: the slot transfers to the waiter.
	} else {
		c.active--
	}
	c.notifyLocked()
}

// Do runs fn while holding a slot, releasing it on every exit path
// including panics.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.Acquire(ctx); err != nil {
		return err
	}
	defer c.Release()
	return fn(ctx)
}

// Active returns the number of currently held slots.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the number of queued callers.
func (c *Controller) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Controller) notifyLocked() {
	if c.onChange != nil {
		c.onChange(c.active, len(c.waiters))
	}
}
