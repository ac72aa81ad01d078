// Package seatlayout caches trip seat grids on the client.  The cache is the
// storefront's only source of seat availability; it never edits a layout in
// place.  Freshness comes from explicit invalidation (real-time broadcasts,
// lock/unlock completion, terminal tickets) backed by a short TTL.
package seatlayout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// DefaultTTL is the freshness window of a cached layout.
const DefaultTTL = 30 * time.Second

// Fetcher loads a layout from the API.
type Fetcher interface {
	GetSeatLayout(ctx context.Context, tripID uint64) (model.SeatLayout, error)
}

type entry struct {
	layout    model.SeatLayout
	fetchedAt time.Time
}

// Cache is safe for concurrent use and shared read-only by every surface
// showing a trip.
type Cache struct {
	fetcher Fetcher
	clock   clock.Clock
	ttl     time.Duration
	log     logrus.FieldLogger

	group singleflight.Group

	mu            sync.Mutex
	entries       map[uint64]entry
	generation    map[uint64]uint64
	invalidations map[uint64]int
	listeners     map[int]func(tripID uint64)
	nextListener  int
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock injects the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns an empty Cache over fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:       fetcher,
		clock:         clock.Real(),
		ttl:           DefaultTTL,
		log:           logrus.StandardLogger(),
		entries:       make(map[uint64]entry),
		generation:    make(map[uint64]uint64),
		invalidations: make(map[uint64]int),
		listeners:     make(map[int]func(uint64)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the layout for tripID, fetching it when the cached copy is
// missing or older than the TTL.  Concurrent misses share one request.  A
// fetch that started before an invalidation is never cached.  On error the
// caller gets the error and nothing is cached; seat interaction should stay
// disabled until a later Get succeeds.
func (c *Cache) Get(ctx context.Context, tripID uint64) (model.SeatLayout, error) {
	c.mu.Lock()
	if e, ok := c.entries[tripID]; ok && c.clock.Now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.layout, nil
	}
	gen := c.generation[tripID]
	c.mu.Unlock()

	key := fmt.Sprintf("%d:%d", tripID, gen)
	v, err, _ := c.group.Do(key, func() (any, error) {
		layout, err := c.fetcher.GetSeatLayout(ctx, tripID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation[tripID] == gen {
			c.entries[tripID] = entry{layout: layout, fetchedAt: c.clock.Now()}
		}
		c.mu.Unlock()
		return layout, nil
	})
	if err != nil {
		c.log.WithError(err).WithField("trip_id", tripID).Warn("seatlayout: fetch failed")
		return model.SeatLayout{}, err
	}
	return v.(model.SeatLayout), nil
}

// Peek returns the cached layout without fetching, even if stale.
func (c *Cache) Peek(tripID uint64) (model.SeatLayout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tripID]
	return e.layout, ok
}

// Invalidate drops the cached layout for tripID and notifies listeners so
// every surface showing the trip refetches.
func (c *Cache) Invalidate(tripID uint64) {
	c.mu.Lock()
	delete(c.entries, tripID)
	c.generation[tripID]++
	c.invalidations[tripID]++
	fns := make([]func(uint64), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(tripID)
	}
}

// Invalidations reports how many times tripID has been invalidated.
func (c *Cache) Invalidations(tripID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations[tripID]
}

// OnInvalidate registers fn to run after every invalidation.  The returned
// function removes it.
func (c *Cache) OnInvalidate(fn func(tripID uint64)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}
