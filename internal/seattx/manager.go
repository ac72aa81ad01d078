// Package seattx issues seat lock and unlock requests for the storefront's
// browsing session and remembers which (trip, seats) pair is currently held.
// Every exit path of a booking surface consults that record, so a session
// never keeps two acknowledged locks at once.
package seattx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// unlockTimeout bounds a best-effort unlock, which may run after the
// caller's own context is gone (surface teardown, process exit).
const unlockTimeout = 5 * time.Second

// API is the subset of the reservation API the manager calls.
type API interface {
	LockSeats(ctx context.Context, tripID uint64, seats []string) (apiclient.LockResult, error)
	UnlockSeats(ctx context.Context, tripID uint64, seats []string) error
}

// Invalidator drops a trip's cached seat layout.
type Invalidator interface {
	Invalidate(tripID uint64)
}

// Hold is an acknowledged server-side lock owned by this session.
type Hold struct {
	TripID   uint64
	Seats    []string
	LockedAt time.Time
}

// ExpiresAt is when the server releases the hold unless a ticket is created.
func (h Hold) ExpiresAt() time.Time { return h.LockedAt.Add(model.HoldDuration) }

// LockError is the user-facing failure of a lock request.  Callers should
// clear their selection: the usual cause is that another session took one of
// the seats after the layout was fetched.
type LockError struct {
	Message     string
	Unavailable []string
	Err         error
}

func (e *LockError) Error() string { return e.Message }
func (e *LockError) Unwrap() error { return e.Err }

// Manager is safe for concurrent use.  It does not reject a second Lock while
// one is pending; callers gate their trigger on Pending.
type Manager struct {
	api   API
	cache Invalidator
	clock clock.Clock
	log   logrus.FieldLogger

	mu       sync.Mutex
	pending  int
	held     *Hold
	holds    int // bumped whenever a lock is recorded as held
	onLocked map[int]func(Hold)
	nextHook int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source used when the server omits lockedAt.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(m *Manager) { m.log = l } }

// NewManager returns a Manager calling api and invalidating cache after every
// completed request.
func NewManager(api API, cache Invalidator, opts ...Option) *Manager {
	m := &Manager{
		api:      api,
		cache:    cache,
		clock:    clock.Real(),
		log:      logrus.StandardLogger(),
		onLocked: make(map[int]func(Hold)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnLocked registers fn to run after every successful lock; it is where the
// hold countdown starts.  The returned function removes the hook.
func (m *Manager) OnLocked(fn func(Hold)) func() {
	m.mu.Lock()
	id := m.nextHook
	m.nextHook++
	m.onLocked[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.onLocked, id)
		m.mu.Unlock()
	}
}

// Lock asks the server to hold seats on tripID.  An empty seat list is a
// no-op.  A hold on a different trip is released first; seats dropped from a
// hold on the same trip are released after the new lock succeeds.  The
// layout cache for tripID is invalidated once the request settles, whatever
// the outcome.
func (m *Manager) Lock(ctx context.Context, tripID uint64, seats []string) error {
	if len(seats) == 0 {
		return nil
	}
	seats = lo.Uniq(seats)

	m.mu.Lock()
	prev := m.held
	seen := m.holds
	m.pending++
	m.mu.Unlock()

	if prev != nil && prev.TripID != tripID {
		m.Unlock(ctx, prev.TripID, prev.Seats)
	}

	res, err := m.api.LockSeats(ctx, tripID, seats)

	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
	m.cache.Invalidate(tripID)

	if err != nil {
		lockErr := toLockError(err)
		m.log.WithError(err).WithFields(logrus.Fields{"trip_id": tripID, "seats": seats}).Info("seattx: lock rejected")
		if prev != nil && prev.TripID == tripID {
			m.Unlock(ctx, prev.TripID, prev.Seats)
		}
		return lockErr
	}

	lockedAt := res.LockedAt
	if lockedAt.IsZero() {
		lockedAt = m.clock.Now()
	}
	hold := Hold{TripID: tripID, Seats: append([]string(nil), seats...), LockedAt: lockedAt}

	m.mu.Lock()
	// a lock on another trip recorded meanwhile is the newer hold; keep it
	if m.holds == seen || m.held == nil || m.held.TripID == tripID {
		m.held = &hold
		m.holds++
	}
	hooks := make([]func(Hold), 0, len(m.onLocked))
	for _, fn := range m.onLocked {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()

	if prev != nil && prev.TripID == tripID {
		if dropped := lo.Without(prev.Seats, seats...); len(dropped) > 0 {
			m.unlockCall(ctx, tripID, dropped)
		}
	}
	for _, fn := range hooks {
		fn(hold)
	}
	return nil
}

// Unlock releases seats on tripID.  It is best-effort: failures are logged,
// never returned and never retried, because the server lets the hold lapse on
// its own.  An empty seat list is a no-op.  The layout cache is invalidated
// once the request settles.
func (m *Manager) Unlock(ctx context.Context, tripID uint64, seats []string) {
	if len(seats) == 0 {
		return
	}
	m.mu.Lock()
	if m.held != nil && m.held.TripID == tripID {
		rest := lo.Without(m.held.Seats, seats...)
		if len(rest) == 0 {
			m.held = nil
		} else {
			m.held.Seats = rest
		}
	}
	m.mu.Unlock()

	m.unlockCall(ctx, tripID, seats)
}

func (m *Manager) unlockCall(ctx context.Context, tripID uint64, seats []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	defer cancel()
	if err := m.api.UnlockSeats(ctx, tripID, seats); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"trip_id": tripID, "seats": seats}).Warn("seattx: unlock failed, relying on server expiry")
	}
	m.cache.Invalidate(tripID)
}

// ReleaseHeld unlocks whatever this session currently holds.  It reports
// whether anything was held.
func (m *Manager) ReleaseHeld(ctx context.Context) bool {
	h, ok := m.Held()
	if !ok {
		return false
	}
	m.Unlock(ctx, h.TripID, h.Seats)
	return true
}

// Forget drops the held record for tripID without unlocking.  It is called
// once a ticket owns the seats, so later cleanup does not release them.
func (m *Manager) Forget(tripID uint64) {
	m.mu.Lock()
	if m.held != nil && m.held.TripID == tripID {
		m.held = nil
	}
	m.mu.Unlock()
}

// Held returns a copy of the current hold.
func (m *Manager) Held() (Hold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return Hold{}, false
	}
	h := *m.held
	h.Seats = append([]string(nil), m.held.Seats...)
	return h, true
}

// Pending reports whether a lock request is in flight.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending > 0
}

func toLockError(err error) *LockError {
	le := &LockError{Err: err, Message: "Could not hold the selected seats. Please try again."}
	var apiErr *apiclient.APIError
	if errors.As(err, &apiErr) {
		le.Unavailable = apiErr.Unavailable
		if apiErr.Message != "" {
			le.Message = apiErr.Message
		}
	}
	if errors.Is(err, apiclient.ErrSeatUnavailable) {
		le.Message = "Some of the selected seats were just taken. Please choose again."
	}
	return le
}
