// Package countdown derives the time left on a seat hold.  The expiry instant
// is the only shared fact: every observer recomputes the remaining time from
// the wall clock on each tick, so independent views agree and a suspended
// process catches up instead of drifting.
package countdown

import (
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// Interval is how often a running Countdown recomputes.
const Interval = time.Second

// ExpiryFrom returns the hold expiry for a server-issued anchor (lock
// acknowledgement or ticket creation time).
func ExpiryFrom(anchor time.Time) time.Time {
	return anchor.Add(model.HoldDuration)
}

// Remaining returns max(0, expiry-now).
func Remaining(expiry, now time.Time) time.Duration {
	if d := expiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Expired reports whether the hold has no time left.
func Expired(expiry, now time.Time) bool {
	return Remaining(expiry, now) == 0
}

// Format renders d as mm:ss, rounding partial seconds up so the display
// only reads 00:00 once the hold has actually expired.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Tick is one recomputation.
type Tick struct {
	Expiry    time.Time
	Remaining time.Duration
	Expired   bool
}

// Countdown ticks every Interval until stopped or expired, calling observe
// with freshly derived values.  It is presentation state only.
type Countdown struct {
	clock   clock.Clock
	observe func(Tick)

	mu      sync.Mutex
	expiry  time.Time
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// New returns a stopped Countdown.
func New(clk clock.Clock, observe func(Tick)) *Countdown {
	if clk == nil {
		clk = clock.Real()
	}
	return &Countdown{clock: clk, observe: observe}
}

// Start (re)anchors the countdown on expiry and starts ticking.  An initial
// tick is delivered synchronously.  Calling Start again re-anchors without
// accumulating anything from the previous run.
func (c *Countdown) Start(expiry time.Time) {
	c.Stop()

	c.mu.Lock()
	c.expiry = expiry
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	stop, done := c.stop, c.done
	c.mu.Unlock()

	t := c.Now()
	if t.Expired {
		c.finish(done)
		c.emit(t)
		return
	}
	c.emit(t)

	ticker := c.clock.NewTicker(Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				c.finish(done)
				return
			case <-ticker.C():
				t := c.Now()
				if !t.Expired {
					c.emit(t)
					continue
				}
				// finished before the last observe, so the observer may Stop
				// or Start again
				ticker.Stop()
				c.finish(done)
				c.emit(t)
				return
			}
		}
	}()
}

// Now derives the current tick without waiting for the ticker.
func (c *Countdown) Now() Tick {
	c.mu.Lock()
	expiry := c.expiry
	c.mu.Unlock()
	now := c.clock.Now()
	return Tick{Expiry: expiry, Remaining: Remaining(expiry, now), Expired: Expired(expiry, now)}
}

// Expiry returns the current anchor.
func (c *Countdown) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

// Running reports whether the countdown is still ticking.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Stop halts ticking and waits for the ticking goroutine to exit.  It must
// not be called from inside the observer for a tick that is not expired; the
// final, expired tick is delivered after the countdown has finished, so its
// observer may call Stop or Start.
func (c *Countdown) Stop() {
	c.mu.Lock()
	stop, done, running := c.stop, c.done, c.running
	c.stop = nil
	c.mu.Unlock()
	if !running || stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Countdown) emit(t Tick) {
	if c.observe != nil {
		c.observe(t)
	}
}

func (c *Countdown) finish(done chan struct{}) {
	c.mu.Lock()
	if c.done == done {
		c.running = false
	}
	c.mu.Unlock()
	close(done)
}
