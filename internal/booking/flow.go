// Package booking drives one storefront booking from seat selection to a
// settled ticket.  A Flow is the state machine of a single attempt; a Surface
// is a trip's booking panel hosting flows; the Coordinator makes sure only
// one surface, and therefore at most one seat hold, is active at a time.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/countdown"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/seattx"
	"github.com/iliyamo/bus-seat-reservation/internal/selection"
)

// Contact is who the ticket is issued to.
type Contact struct {
	Name  string
	Email string
	Phone string
	Guest bool
}

// Hooks are UI callbacks.  They run outside the flow's lock, possibly on the
// real-time or countdown goroutine, and must not block.  OnTick must not call
// back into the flow; OnState(Expired) may, for instance to Restart the
// surface.
type Hooks struct {
	OnState        func(State)
	OnTick         func(countdown.Tick)
	OnConfirmed    func(model.Ticket)
	OnCancelled    func(model.Ticket)
	OnTripStatus   func(realtime.TripStatus)
	OnNotification func(realtime.Notification)
	OnLayoutStale  func()
}

// Flow is one booking attempt on one trip.
type Flow struct {
	tripID uint64
	sel    *selection.Set
	deps   Deps
	hooks  Hooks
	log    logrus.FieldLogger
	cd     *countdown.Countdown

	mu           sync.Mutex
	state        State
	pickupID     uint64
	dropoffID    uint64
	hold         *seattx.Hold
	ticket       *model.Ticket
	finalized    bool
	closed       bool
	unsubBooking func()
}

// NewFlow starts an attempt in Selecting, choosing seats into sel.
func NewFlow(tripID uint64, sel *selection.Set, deps Deps, hooks Hooks) *Flow {
	deps = deps.withDefaults()
	f := &Flow{
		tripID: tripID,
		sel:    sel,
		deps:   deps,
		hooks:  hooks,
		log:    deps.Log.WithField("trip_id", tripID),
		state:  Selecting,
	}
	f.cd = countdown.New(deps.Clock, f.tick)
	return f
}

// TripID returns the trip being booked.
func (f *Flow) TripID() uint64 { return f.tripID }

// Selection returns the seats chosen for this attempt.
func (f *Flow) Selection() *selection.Set { return f.sel }

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Hold returns the seats this attempt holds, if any.
func (f *Flow) Hold() (seattx.Hold, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hold == nil {
		return seattx.Hold{}, false
	}
	h := *f.hold
	h.Seats = append([]string(nil), f.hold.Seats...)
	return h, true
}

// Ticket returns the created ticket, if any.
func (f *Flow) Ticket() (model.Ticket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticket == nil {
		return model.Ticket{}, false
	}
	return *f.ticket, true
}

// Expiry returns the instant the current hold or payment window ends.
func (f *Flow) Expiry() time.Time { return f.cd.Expiry() }

// Remaining is the time left on the hold or payment window, derived from the
// wall clock on every call.
func (f *Flow) Remaining() time.Duration {
	switch f.State() {
	case Locked, Finalizing, Pending:
		return f.cd.Now().Remaining
	}
	return 0
}

// CanPay reports whether payment actions should be enabled.
func (f *Flow) CanPay() bool {
	return f.State() == Pending && !countdown.Expired(f.cd.Expiry(), f.deps.Clock.Now())
}

// SetRoute records the pickup and drop-off points.
func (f *Flow) SetRoute(pickupID, dropoffID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Selecting && f.state != Locked {
		return ErrInvalidState
	}
	f.pickupID, f.dropoffID = pickupID, dropoffID
	return nil
}

// Route returns the pickup and drop-off points.
func (f *Flow) Route() (pickupID, dropoffID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pickupID, f.dropoffID
}

// Commit locks the selected seats.  On failure the selection is cleared, the
// layout has already been invalidated by the lock manager, and the flow is
// back in Selecting.  Committing from Locked replaces the hold.
func (f *Flow) Commit(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	switch f.state {
	case Selecting, Locked:
	case Locking, Finalizing:
		f.mu.Unlock()
		return ErrBusy
	default:
		f.mu.Unlock()
		return ErrInvalidState
	}
	if f.pickupID == 0 || f.dropoffID == 0 {
		f.mu.Unlock()
		return ErrPickupDropoffRequired
	}
	codes := f.sel.Codes()
	if len(codes) == 0 {
		f.mu.Unlock()
		return ErrEmptySelection
	}
	f.state = Locking
	f.mu.Unlock()
	f.emitState(Locking)

	err := f.deps.Tx.Lock(ctx, f.tripID, codes)
	if err != nil {
		f.sel.Clear()
		f.cd.Stop()
		f.mu.Lock()
		f.hold = nil
		f.state = Selecting
		f.mu.Unlock()
		f.emitState(Selecting)
		return err
	}

	hold := f.heldFor(codes)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.deps.Tx.Unlock(context.WithoutCancel(ctx), f.tripID, hold.Seats)
		return ErrClosed
	}
	f.hold = &hold
	f.state = Locked
	f.mu.Unlock()

	f.log.WithField("seats", hold.Seats).Debug("booking: seats held")
	f.emitState(Locked)
	f.cd.Start(hold.ExpiresAt())
	return nil
}

func (f *Flow) heldFor(codes []string) seattx.Hold {
	if h, ok := f.deps.Tx.Held(); ok && h.TripID == f.tripID {
		return h
	}
	return seattx.Hold{TripID: f.tripID, Seats: codes, LockedAt: f.deps.Clock.Now()}
}

// Reselect releases the hold and returns to Selecting with the selection
// intact, so the user can change seats.
func (f *Flow) Reselect(ctx context.Context) error {
	f.mu.Lock()
	if f.state != Locked {
		f.mu.Unlock()
		return ErrInvalidState
	}
	hold := f.hold
	f.hold = nil
	f.state = Selecting
	f.mu.Unlock()

	f.cd.Stop()
	if hold != nil {
		f.deps.Tx.Unlock(ctx, f.tripID, hold.Seats)
	}
	f.emitState(Selecting)
	return nil
}

// Finalize creates the ticket for the held seats.  A failure that is not an
// expiry returns the flow to Locked with the selection kept, so the user can
// retry.
func (f *Flow) Finalize(ctx context.Context, c Contact) (model.Ticket, error) {
	if strings.TrimSpace(c.Name) == "" || (strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == "") {
		return model.Ticket{}, ErrContactRequired
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return model.Ticket{}, ErrClosed
	}
	switch f.state {
	case Locked:
	case Locking, Finalizing:
		f.mu.Unlock()
		return model.Ticket{}, ErrBusy
	case Expired:
		f.mu.Unlock()
		return model.Ticket{}, ErrHoldExpired
	default:
		f.mu.Unlock()
		return model.Ticket{}, ErrInvalidState
	}
	hold := *f.hold
	if countdown.Expired(hold.ExpiresAt(), f.deps.Clock.Now()) {
		f.mu.Unlock()
		f.expire()
		return model.Ticket{}, ErrHoldExpired
	}
	f.state = Finalizing
	req := apiclient.CreateTicketRequest{
		TripID:          f.tripID,
		Seats:           hold.Seats,
		ContactName:     strings.TrimSpace(c.Name),
		ContactEmail:    strings.TrimSpace(c.Email),
		ContactPhone:    strings.TrimSpace(c.Phone),
		IsGuestCheckout: c.Guest,
		PickupID:        f.pickupID,
		DropoffID:       f.dropoffID,
	}
	f.mu.Unlock()
	f.emitState(Finalizing)

	tk, err := f.deps.Tickets.CreateTicket(ctx, req)
	if err != nil {
		return model.Ticket{}, f.finalizeFailed(ctx, hold, err)
	}

	f.mu.Lock()
	f.finalized = true
	f.hold = nil
	f.ticket = &tk
	f.state = Pending
	closed := f.closed
	f.mu.Unlock()

	f.deps.Tx.Forget(f.tripID)
	f.deps.Layouts.Invalidate(f.tripID)
	f.log.WithField("ticket_code", tk.TicketCode).Info("booking: ticket created")
	f.emitState(Pending)

	if !closed {
		f.subscribe(tk.TicketCode)
		anchor := tk.CreatedAt
		if anchor.IsZero() {
			anchor = f.deps.Clock.Now()
		}
		f.cd.Start(countdown.ExpiryFrom(anchor))
	}
	if tk.Status.Terminal() {
		f.ObserveTicket(tk)
	}
	return tk, nil
}

func (f *Flow) finalizeFailed(ctx context.Context, hold seattx.Hold, err error) error {
	if errors.Is(err, apiclient.ErrHoldExpired) || countdown.Expired(hold.ExpiresAt(), f.deps.Clock.Now()) {
		f.log.WithError(err).Info("booking: hold expired before ticket creation")
		f.cd.Stop()
		f.mu.Lock()
		f.state = Locked
		f.mu.Unlock()
		f.expire()
		return ErrHoldExpired
	}

	f.mu.Lock()
	f.state = Locked
	closed := f.closed
	if closed {
		f.hold = nil
	}
	f.mu.Unlock()

	f.log.WithError(err).Warn("booking: ticket creation failed")
	if closed {
		f.deps.Tx.Unlock(context.WithoutCancel(ctx), f.tripID, hold.Seats)
		return ErrClosed
	}
	f.emitState(Locked)
	return fmt.Errorf("create ticket: %w", err)
}

func (f *Flow) subscribe(code string) {
	rt := f.deps.Realtime
	if rt == nil || code == "" {
		return
	}
	off := rt.OnBookingConfirmed(func(b realtime.BookingConfirmed) {
		if b.TicketCode != code {
			return
		}
		status, ok := b.TicketStatus()
		if !ok {
			return
		}
		tk, _ := f.Ticket()
		tk.Status = status
		f.ObserveTicket(tk)
	})
	rt.SubscribeBooking(code)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			off()
			rt.UnsubscribeBooking(code)
		})
	}
	f.mu.Lock()
	if f.closed || f.state.Terminal() {
		f.mu.Unlock()
		unsub()
		return
	}
	f.unsubBooking = unsub
	f.mu.Unlock()
}

// ObserveTicket applies a server view of the ticket, from the real-time
// channel or a poll.  Only the first terminal observation transitions the
// flow and fires OnConfirmed or OnCancelled; it reports whether this call
// was that one.
func (f *Flow) ObserveTicket(t model.Ticket) bool {
	if !t.Status.Terminal() {
		return false
	}
	f.mu.Lock()
	if f.ticket == nil || (t.TicketID != f.ticket.TicketID && t.TicketCode != f.ticket.TicketCode) {
		f.mu.Unlock()
		return false
	}
	if f.state != Pending && f.state != Expired {
		f.mu.Unlock()
		return false
	}
	merged := *f.ticket
	merged.Status = t.Status
	if !t.UpdatedAt.IsZero() {
		merged.UpdatedAt = t.UpdatedAt
	}
	f.ticket = &merged
	next := Cancelled
	if t.Status == model.TicketConfirmed {
		next = Confirmed
	}
	f.state = next
	unsub := f.unsubBooking
	f.unsubBooking = nil
	f.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	f.cd.Stop()
	f.log.WithFields(logrus.Fields{"ticket_code": merged.TicketCode, "status": merged.Status}).Info("booking: ticket settled")
	// booked or released, the trip's seats changed either way
	f.deps.Layouts.Invalidate(f.tripID)
	f.emitState(next)

	if next == Confirmed {
		if f.hooks.OnConfirmed != nil {
			f.hooks.OnConfirmed(merged)
		}
		return true
	}
	if f.hooks.OnCancelled != nil {
		f.hooks.OnCancelled(merged)
	}
	return true
}

// PollTicket refetches the ticket every interval until it settles, ctx is
// done, or the flow is closed.  It is the fallback for a missed real-time
// confirmation and is safe to run alongside it.
func (f *Flow) PollTicket(ctx context.Context, interval time.Duration) (model.Ticket, error) {
	tk, ok := f.Ticket()
	if !ok {
		return model.Ticket{}, ErrInvalidState
	}
	ticker := f.deps.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.mu.Lock()
		state, closed := f.state, f.closed
		f.mu.Unlock()
		if state.Terminal() {
			t, _ := f.Ticket()
			return t, nil
		}
		if closed {
			return model.Ticket{}, ErrClosed
		}
		select {
		case <-ctx.Done():
			return model.Ticket{}, ctx.Err()
		case <-ticker.C():
		}
		latest, err := f.deps.Tickets.GetTicket(ctx, tk.TicketID)
		if err != nil {
			f.log.WithError(err).Debug("booking: ticket poll failed")
			continue
		}
		f.ObserveTicket(latest)
	}
}

// Cancel cancels the created ticket.  Before a ticket exists use Close.
func (f *Flow) Cancel(ctx context.Context) (model.CancelResult, error) {
	f.mu.Lock()
	if f.ticket == nil || (f.state != Pending && f.state != Expired) {
		f.mu.Unlock()
		return model.CancelResult{}, ErrInvalidState
	}
	tk := *f.ticket
	f.mu.Unlock()

	res, err := f.deps.Tickets.CancelTicket(ctx, tk.TicketID)
	if err != nil {
		return model.CancelResult{}, fmt.Errorf("cancel ticket: %w", err)
	}
	tk.Status = model.TicketCancelled
	f.ObserveTicket(tk)
	return res, nil
}

// Close abandons the attempt.  Seats still held without a ticket are
// unlocked exactly once; a created ticket keeps its seats.  An in-flight
// lock or ticket request releases its seats when it settles.  Close is
// idempotent.
func (f *Flow) Close(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	var release []string
	if !f.finalized && f.state == Locked && f.hold != nil {
		release = f.hold.Seats
		f.hold = nil
	}
	unsub := f.unsubBooking
	f.unsubBooking = nil
	f.mu.Unlock()

	f.cd.Stop()
	if unsub != nil {
		unsub()
	}
	if len(release) > 0 {
		f.deps.Tx.Unlock(ctx, f.tripID, release)
	}
	f.sel.Clear()
}

func (f *Flow) tick(t countdown.Tick) {
	if f.hooks.OnTick != nil {
		f.hooks.OnTick(t)
	}
	if t.Expired {
		f.expire()
	}
}

// expire is the client-side end of a hold or payment window.  It never
// touches the server: an expired hold is released by the server, an expired
// pending ticket is cancelled by it.
func (f *Flow) expire() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	prev := f.state
	switch prev {
	case Locked:
		f.hold = nil
	case Pending:
	default:
		f.mu.Unlock()
		return
	}
	f.state = Expired
	f.mu.Unlock()

	if prev == Locked {
		f.deps.Tx.Forget(f.tripID)
		f.sel.Clear()
		f.deps.Layouts.Invalidate(f.tripID)
	}
	f.log.WithField("from", prev).Info("booking: hold expired")
	f.emitState(Expired)
}

func (f *Flow) emitState(s State) {
	if f.hooks.OnState != nil {
		f.hooks.OnState(s)
	}
}
