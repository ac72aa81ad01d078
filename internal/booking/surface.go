package booking

import (
	"context"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/selection"
)

// Category is how a seat is shown on a surface.  Selected (mine, not yet
// acknowledged) is kept apart from Held (mine, acknowledged by the server)
// and Locked (someone else's hold), so an optimistic selection is never
// mistaken for server truth.
type Category string

const (
	CategoryAvailable Category = "available"
	CategorySelected  Category = "selected"
	CategoryHeld      Category = "held"
	CategoryLocked    Category = "locked"
	CategoryBooked    Category = "booked"
)

// Cell is one seat as rendered.
type Cell struct {
	Seat     model.Seat
	Category Category
}

// View is a surface's current seat map.  When the layout could not be
// fetched Interactive is false and Err says why; seats must not be
// clickable in that state.
type View struct {
	Layout      model.SeatLayout
	Cells       []Cell
	Interactive bool
	Err         error
}

// Surface is one booking panel for one trip: the inline panel of a trip
// list or the sidebar of a trip detail page.  Surfaces are created by the
// Coordinator.
type Surface struct {
	tripID uint64
	deps   Deps
	hooks  Hooks
	log    logrus.FieldLogger

	mu     sync.Mutex
	flow   *Flow
	trip   *realtime.TripStatus
	closed bool
	unsubs []func()
}

func newSurface(tripID uint64, deps Deps, hooks Hooks) *Surface {
	s := &Surface{
		tripID: tripID,
		deps:   deps,
		hooks:  hooks,
		log:    deps.Log.WithField("trip_id", tripID),
	}
	s.flow = s.newFlow()
	if rt := deps.Realtime; rt != nil {
		s.unsubs = append(s.unsubs,
			rt.OnSeatUpdate(s.seatUpdate),
			rt.OnTripStatus(s.tripStatus),
			rt.OnNotification(s.notification),
			rt.OnConnected(s.reconnected),
		)
		rt.JoinTrip(tripID)
	}
	return s
}

func (s *Surface) newFlow() *Flow {
	return NewFlow(s.tripID, selection.New(s.tripID), s.deps, s.hooks)
}

// TripID returns the surface's trip.
func (s *Surface) TripID() uint64 { return s.tripID }

// Flow returns the current booking attempt.
func (s *Surface) Flow() *Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow
}

// Restart begins a fresh attempt once the current one has settled or
// expired, keeping the chosen route.
func (s *Surface) Restart(ctx context.Context) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	old := s.flow
	if !old.State().Settled() {
		return nil, ErrInvalidState
	}
	old.Close(ctx)
	s.flow = s.newFlow()
	_ = s.flow.SetRoute(old.Route())
	return s.flow, nil
}

// TripStatus returns the last trip_status broadcast seen for the trip.
func (s *Surface) TripStatus() (realtime.TripStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trip == nil {
		return realtime.TripStatus{}, false
	}
	return *s.trip, true
}

// View fetches the layout through the shared cache and categorises every
// seat for display.
func (s *Surface) View(ctx context.Context) View {
	layout, err := s.deps.Layouts.Get(ctx, s.tripID)
	if err != nil {
		s.log.WithError(err).Warn("booking: seat layout unavailable")
		return View{Err: err}
	}
	f := s.Flow()
	state := f.State()
	hold, _ := f.Hold()

	cells := make([]Cell, 0, len(layout.Seats))
	for _, seat := range layout.Seats {
		cells = append(cells, Cell{Seat: seat, Category: categorize(seat, state, f.sel, hold.Seats)})
	}
	interactive := state == Selecting
	if st, ok := s.TripStatus(); ok && !(model.Trip{ID: s.tripID, Status: st.Status}).Bookable() {
		interactive = false
	}
	return View{Layout: layout, Cells: cells, Interactive: interactive}
}

func categorize(seat model.Seat, state State, sel *selection.Set, held []string) Category {
	switch {
	case seat.Status == model.SeatBooked:
		return CategoryBooked
	case slices.Contains(held, seat.SeatCode):
		return CategoryHeld
	case seat.Status == model.SeatLocked && seat.LockedByYou:
		return CategoryHeld
	case seat.Status == model.SeatLocked:
		return CategoryLocked
	case (state == Selecting || state == Locking) && sel.Contains(seat.SeatCode):
		return CategorySelected
	}
	return CategoryAvailable
}

// Toggle selects or deselects a seat by code and reports whether it is now
// selected.  Only seats the cached layout shows as available can be added.
func (s *Surface) Toggle(ctx context.Context, code string) (bool, error) {
	f := s.Flow()
	if f.State() != Selecting {
		return false, ErrInvalidState
	}
	if f.sel.Contains(code) {
		f.sel.Remove(code)
		return false, nil
	}
	layout, err := s.deps.Layouts.Get(ctx, s.tripID)
	if err != nil {
		return false, err
	}
	seat, ok := layout.SeatByCode(code)
	if !ok {
		return false, selection.ErrSeatNotSelectable
	}
	return f.sel.Toggle(seat)
}

// Close abandons the surface: the current attempt is closed (unlocking any
// hold without a ticket) and the trip room is left.  Idempotent.
func (s *Surface) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	f := s.flow
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	f.Close(ctx)
	for _, off := range unsubs {
		off()
	}
	if s.deps.Realtime != nil {
		s.deps.Realtime.LeaveTrip(s.tripID)
	}
}

// Closed reports whether Close has run.
func (s *Surface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Surface) seatUpdate(u realtime.SeatUpdate) {
	if u.TripID != s.tripID {
		return
	}
	s.deps.Layouts.Invalidate(s.tripID)
	if s.hooks.OnLayoutStale != nil {
		s.hooks.OnLayoutStale()
	}
}

func (s *Surface) tripStatus(t realtime.TripStatus) {
	if t.TripID != s.tripID {
		return
	}
	s.mu.Lock()
	s.trip = &t
	s.mu.Unlock()
	if s.hooks.OnTripStatus != nil {
		s.hooks.OnTripStatus(t)
	}
}

func (s *Surface) notification(n realtime.Notification) {
	if n.TripID != nil && *n.TripID != s.tripID {
		return
	}
	if s.hooks.OnNotification != nil {
		s.hooks.OnNotification(n)
	}
}

// reconnected refetches: broadcasts sent while offline were lost.
func (s *Surface) reconnected() {
	s.deps.Layouts.Invalidate(s.tripID)
	if s.hooks.OnLayoutStale != nil {
		s.hooks.OnLayoutStale()
	}
}
