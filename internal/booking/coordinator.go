package booking

import (
	"context"
	"sync"
)

// Coordinator keeps at most one booking surface active for the session.
// Opening a surface closes the previous one first, so the previous trip's
// seats are unlocked before the new trip can lock anything.
type Coordinator struct {
	deps Deps

	mu     sync.Mutex
	active *Surface
}

// NewCoordinator returns a Coordinator with no active surface.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{deps: deps.withDefaults()}
}

// Open makes a surface for tripID the active one.  Reopening the active
// trip returns the existing surface.
func (c *Coordinator) Open(ctx context.Context, tripID uint64, hooks Hooks) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.Closed() && c.active.TripID() == tripID {
		return c.active
	}
	if c.active != nil {
		c.active.Close(ctx)
		c.active = nil
	}
	// a hold left by a surface that bypassed the coordinator
	c.deps.Tx.ReleaseHeld(ctx)

	c.active = newSurface(tripID, c.deps, hooks)
	c.deps.Log.WithField("trip_id", tripID).Debug("booking: surface opened")
	return c.active
}

// Active returns the active surface, or nil.
func (c *Coordinator) Active() *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Closed() {
		c.active = nil
	}
	return c.active
}

// Close closes the active surface, if any.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.Close(ctx)
		c.active = nil
	}
}

// Shutdown is the process-exit path: it closes the active surface and
// releases any hold the session still has.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.Close(ctx)
	c.deps.Tx.ReleaseHeld(ctx)
}
