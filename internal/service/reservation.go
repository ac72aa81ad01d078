// Package service holds the reservation API's business rules: seat locks
// with a fixed lifetime, tickets created from locked seats, and the ticket
// status transitions driven by users, the payment gateway and expiry.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/metrics"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
)

// Notifier broadcasts changes to connected storefronts.
type Notifier interface {
	// SeatsChanged reports seats moving to status on one trip.
	SeatsChanged(tripID uint64, seats []string, status model.SeatStatus)
	// BookingSettled reports a ticket reaching a terminal status.
	BookingSettled(ticketCode string, status model.TicketStatus)
	// TripChanged reports an operational change such as a delay.
	TripChanged(t model.Trip)
}

// Publisher hands booking events to the message broker.
type Publisher interface {
	PublishBookingSettled(ctx context.Context, ev queue.BookingEvent) error
}

// CacheInvalidator drops cached seat layouts of a trip.
type CacheInvalidator interface {
	InvalidateTrip(ctx context.Context, tripID uint64)
}

// ReservationService is the only place that mutates seats and tickets.
//
// ReservationService is safe for concurrent use; consistency comes from the
// store's transactions.
type ReservationService struct {
	store     Store              // MySQL in production, memory in tests
	clock     clock.Clock        // server time is the only time that matters
	hold      time.Duration      // lifetime of a lock and of an unpaid ticket
	notifier  Notifier           // optional websocket broadcasts
	publisher Publisher          // optional broker for settlements
	cache     CacheInvalidator   // optional seat map response cache
	log       logrus.FieldLogger // never nil
}

// Option configures a ReservationService.
type Option func(*ReservationService)

// WithHoldDuration overrides model.HoldDuration.
func WithHoldDuration(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.hold = d
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option { return func(s *ReservationService) { s.clock = c } }

// WithNotifier sets where seat, booking and trip broadcasts go.
func WithNotifier(n Notifier) Option { return func(s *ReservationService) { s.notifier = n } }

// WithPublisher routes booking settlements through the broker.  Without one
// they are broadcast directly.
func WithPublisher(p Publisher) Option { return func(s *ReservationService) { s.publisher = p } }

// WithCacheInvalidator sets the layout response cache to purge on changes.
func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(s *ReservationService) { s.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(s *ReservationService) { s.log = l } }

// NewReservationService returns a service over store.
func NewReservationService(store Store, opts ...Option) *ReservationService {
	s := &ReservationService{
		store: store,
		clock: clock.Real(),
		hold:  model.HoldDuration,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HoldDuration is the lifetime of a lock and of a pending ticket.
func (s *ReservationService) HoldDuration() time.Duration { return s.hold }

// SeatLayout returns the trip's seat map as seen by sessionID.  Expired
// locks are released first so the map never shows a lapsed hold.
func (s *ReservationService) SeatLayout(ctx context.Context, tripID uint64, sessionID string) (model.SeatLayout, error) {
	now := s.clock.Now()
	var (
		layout model.SeatLayout
		// seats freed by expiry inside the transaction, broadcast once it
		// has committed
		released []string
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Trip(ctx, tripID); err != nil {
			return err
		}
		var err error
		if released, err = s.store.ExpireLocks(ctx, tripID, now); err != nil {
			return err
		}
		layout, err = s.store.SeatLayout(ctx, tripID, sessionID, now)
		return err
	})
	if err != nil {
		return model.SeatLayout{}, err
	}
	s.released(ctx, tripID, released, "expired")
	return layout, nil
}

// LockInput is a lock request.
type LockInput struct {
	TripID    uint64   // trip being booked
	Seats     []string // raw codes, normalised by Lock
	SessionID string   // owner of the locks, required
	UserID    *uint64  // nil for guests
}

// LockResult describes an acknowledged hold.  LockedAt is the earliest lock
// time among the requested seats: re-locking seats the session already
// holds does not extend them.
type LockResult struct {
	Seats     []string  // normalised codes now held
	LockedAt  time.Time // earliest hold among Seats
	ExpiresAt time.Time // LockedAt plus the hold duration
}

// Lock holds seats for a session.  Either every requested seat is locked or
// none is.
func (s *ReservationService) Lock(ctx context.Context, in LockInput) (LockResult, error) {
	codes, err := normalizeSeats(in.Seats)
	if err != nil {
		metrics.SeatLocks.WithLabelValues("invalid").Inc()
		return LockResult{}, err
	}
	// a lock without a session could never be released by its owner
	if in.SessionID == "" {
		return LockResult{}, ErrSessionRequired
	}

	now := s.clock.Now()
	var (
		res      LockResult
		created  []string
		released []string
	)
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		trip, err := s.store.Trip(ctx, in.TripID)
		if err != nil {
			return err
		}
		if !trip.Bookable() {
			return ErrTripClosed
		}
		if released, err = s.store.ExpireLocks(ctx, in.TripID, now); err != nil {
			return err
		}
		prices, err := s.store.SeatPrices(ctx, in.TripID, codes)
		if err != nil {
			return err
		}
		// Reject the whole request when any code is not on this bus.
		if unknown := lo.Filter(codes, func(c string, _ int) bool { _, ok := prices[c]; return !ok }); len(unknown) > 0 {
			return invalid("unknown seats: " + strings.Join(unknown, ", "))
		}

		booked, err := s.store.BookedSeats(ctx, in.TripID, codes)
		if err != nil {
			return err
		}
		locks, err := s.store.ActiveLocks(ctx, in.TripID, codes, now)
		if err != nil {
			return err
		}
		// Booked seats and seats held by other sessions block the request.
		// Seats this session already holds are kept as they are.
		taken := append([]string(nil), booked...)
		mine := map[string]model.SeatLock{}
		for _, l := range locks {
			if l.SessionID == in.SessionID {
				mine[l.SeatCode] = l
			} else {
				taken = append(taken, l.SeatCode)
			}
		}
		// all or nothing: report every blocking seat at once
		if len(taken) > 0 {
			taken = lo.Uniq(taken)
			sort.Strings(taken)
			return &UnavailableError{Seats: taken}
		}

		// Only seats not yet held get a new lock.  The response reports the
		// oldest existing hold so a repeated request never extends a lock.
		lockedAt := now
		var fresh []model.SeatLock
		for _, code := range codes {
			if l, ok := mine[code]; ok {
				if l.LockedAt.Before(lockedAt) {
					lockedAt = l.LockedAt
				}
				continue
			}
			fresh = append(fresh, model.SeatLock{
				TripID:    in.TripID,
				SeatCode:  code,
				SessionID: in.SessionID,
				UserID:    in.UserID,
				LockedAt:  now,
				ExpiresAt: now.Add(s.hold),
			})
		}
		if err := s.store.CreateLocks(ctx, fresh); err != nil {
			// Another session won the race between the read and the insert; the
			// unique key on (trip, seat) makes that visible here.
			if errors.Is(err, ErrLockConflict) {
				return &UnavailableError{Seats: lo.Map(fresh, func(l model.SeatLock, _ int) string { return l.SeatCode })}
			}
			return err
		}
		created = lo.Map(fresh, func(l model.SeatLock, _ int) string { return l.SeatCode })
		res = LockResult{Seats: codes, LockedAt: lockedAt, ExpiresAt: lockedAt.Add(s.hold)}
		return nil
	})
	if err != nil {
		var unavailable *UnavailableError
		switch {
		case errors.As(err, &unavailable):
			metrics.SeatLocks.WithLabelValues("conflict").Inc()
		case errors.Is(err, ErrInvalidRequest):
			metrics.SeatLocks.WithLabelValues("invalid").Inc()
		default:
			metrics.SeatLocks.WithLabelValues("error").Inc()
		}
		return LockResult{}, err
	}

	// Broadcast only after commit so listeners never see a rolled back lock.
	metrics.SeatLocks.WithLabelValues("locked").Inc()
	s.released(ctx, in.TripID, released, "expired")
	if len(created) > 0 {
		s.seatsChanged(ctx, in.TripID, created, model.SeatLocked)
	}
	s.log.WithFields(logrus.Fields{"trip_id": in.TripID, "seats": codes, "session_id": in.SessionID}).Debug("service: seats locked")
	return res, nil
}

// UnlockInput is an unlock request.
type UnlockInput struct {
	TripID    uint64   // trip the seats belong to
	Seats     []string // raw codes, normalised by Unlock
	SessionID string   // only this session's locks are released
}

// Unlock releases the session's locks on seats and returns the seats that
// were actually released.  Seats the session does not hold are ignored.
func (s *ReservationService) Unlock(ctx context.Context, in UnlockInput) ([]string, error) {
	codes, err := normalizeSeats(in.Seats)
	if err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, ErrSessionRequired
	}
	var released []string
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
	// DeleteLocks matches on the session, so seats held by others survive.
		released, err = s.store.DeleteLocks(ctx, in.TripID, in.SessionID, codes)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.released(ctx, in.TripID, released, "unlock")
	return released, nil
}

// CreateTicketInput is a ticket request.
type CreateTicketInput struct {
	TripID          uint64   // trip being booked
	Seats           []string // must all be locked by SessionID
	ContactName     string   // required
	ContactEmail    string   // email or phone is required
	ContactPhone    string   // email or phone is required
	IsGuestCheckout bool     // no account attached
	SessionID       string   // owner of the locks
	UserID          *uint64  // nil for guests
	PickupID        uint64   // boarding stop
	DropoffID       uint64   // alighting stop
}

// validate checks the contact form.  One of email or phone is enough, and an
// email, when given, must parse.
func (in CreateTicketInput) validate() error {
	switch {
	case strings.TrimSpace(in.ContactName) == "":
		return invalid("contactName is required")
	case strings.TrimSpace(in.ContactEmail) == "" && strings.TrimSpace(in.ContactPhone) == "":
		return invalid("contactEmail or contactPhone is required")
	case in.PickupID == 0 || in.DropoffID == 0:
		return invalid("pickupId and dropoffId are required")
	}
	if e := strings.TrimSpace(in.ContactEmail); e != "" {
		if _, err := mail.ParseAddress(e); err != nil {
			return invalid("contactEmail is invalid")
		}
	}
	return nil
}

// CreateTicket turns the session's locks on seats into a pending ticket.
// Every seat must still be locked by the session.
func (s *ReservationService) CreateTicket(ctx context.Context, in CreateTicketInput) (model.Ticket, error) {
	codes, err := normalizeSeats(in.Seats)
	if err != nil {
		return model.Ticket{}, err
	}
	if in.SessionID == "" {
		return model.Ticket{}, ErrSessionRequired
	}
	if err := in.validate(); err != nil {
		return model.Ticket{}, err
	}

	now := s.clock.Now()
	var (
		ticket   model.Ticket
		released []string
	)
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		trip, err := s.store.Trip(ctx, in.TripID)
		if err != nil {
			return err
		}
		if !trip.Bookable() {
			return ErrTripClosed
		}
		if released, err = s.store.ExpireLocks(ctx, in.TripID, now); err != nil {
			return err
		}
		locks, err := s.store.ActiveLocks(ctx, in.TripID, codes, now)
		if err != nil {
			return err
		}
		// Every seat must still be held by this session.  A seat held by someone
		// else means the hold lapsed and was taken over.
		owned := map[string]bool{}
		var taken []string
		for _, l := range locks {
			if l.SessionID == in.SessionID {
				owned[l.SeatCode] = true
			} else {
				taken = append(taken, l.SeatCode)
			}
		}
		if len(taken) > 0 {
			sort.Strings(taken)
			return &UnavailableError{Seats: taken}
		}
		// Some seats have no lock at all: either they were booked in the
		// meantime or the hold expired and nobody took them yet.
		if len(owned) != len(codes) {
			booked, err := s.store.BookedSeats(ctx, in.TripID, codes)
			if err != nil {
				return err
			}
			if len(booked) > 0 {
				sort.Strings(booked)
				return &UnavailableError{Seats: booked}
			}
			return ErrHoldExpired
		}

		prices, err := s.store.SeatPrices(ctx, in.TripID, codes)
		if err != nil {
			return err
		}
		// prices are in the smallest currency unit
		var total int64
		for _, c := range codes {
			total += prices[c]
		}
		ticket = model.Ticket{
			TicketCode:      newTicketCode(),
			TripID:          in.TripID,
			Status:          model.TicketPending,
			Seats:           codes,
			ContactName:     strings.TrimSpace(in.ContactName),
			ContactEmail:    strings.TrimSpace(in.ContactEmail),
			ContactPhone:    strings.TrimSpace(in.ContactPhone),
			IsGuestCheckout: in.IsGuestCheckout,
			SessionID:       in.SessionID,
			UserID:          in.UserID,
			PickupID:        in.PickupID,
			DropoffID:       in.DropoffID,
			TotalPrice:      total,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		// The locks become the ticket's seats in the same transaction, so no
		// other session can slip in between.
		if _, err := s.store.DeleteLocks(ctx, in.TripID, in.SessionID, codes); err != nil {
			return err
		}
		return s.store.CreateTicket(ctx, &ticket)
	})
	if err != nil {
		return model.Ticket{}, err
	}

	metrics.Tickets.WithLabelValues(string(model.TicketPending)).Inc()
	s.released(ctx, in.TripID, released, "expired")
	s.seatsChanged(ctx, in.TripID, codes, model.SeatBooked)
	s.log.WithFields(logrus.Fields{"ticket_code": ticket.TicketCode, "trip_id": in.TripID}).Info("service: ticket created")
	return ticket, nil
}

// Trip returns a trip's operational status.
func (s *ReservationService) Trip(ctx context.Context, tripID uint64) (model.Trip, error) {
	return s.store.Trip(ctx, tripID)
}

// GetTicket returns a ticket by id.
func (s *ReservationService) GetTicket(ctx context.Context, ticketID uint64) (model.Ticket, error) {
	return s.store.Ticket(ctx, ticketID)
}

// Caller identifies who asks for a ticket-level action.
type Caller struct {
	SessionID string  // always present on storefront calls
	UserID    *uint64 // set when a bearer token was sent
}

// Owns reports whether the caller created t, by user or by session.
func (c Caller) Owns(t model.Ticket) bool {
	if c.UserID != nil && t.UserID != nil && *c.UserID == *t.UserID {
		return true
	}
	return c.SessionID != "" && c.SessionID == t.SessionID
}

// CancelTicket cancels a pending ticket owned by the caller and releases
// its seats.
func (s *ReservationService) CancelTicket(ctx context.Context, ticketID uint64, caller Caller) (model.CancelResult, error) {
	var ticket model.Ticket
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		t, err := s.store.Ticket(ctx, ticketID)
		if err != nil {
			return err
		}
		// Ownership is checked before the status so strangers learn nothing about
		// the ticket's state.
		if !caller.Owns(t) {
			return ErrForbidden
		}
		if t.Status != model.TicketPending {
			return ErrInvalidTransition
		}
		ticket = t
		return s.store.UpdateTicketStatus(ctx, ticketID, model.TicketCancelled, s.clock.Now())
	})
	if err != nil {
		return model.CancelResult{}, err
	}
	ticket.Status = model.TicketCancelled
	s.settled(ctx, ticket, "cancelled")
	return model.CancelResult{TicketID: ticket.TicketID, Status: ticket.Status, ReleasedSeats: ticket.Seats}, nil
}

// ConfirmPayment applies a payment gateway result to a pending ticket.
// Repeating the same result is a no-op.
func (s *ReservationService) ConfirmPayment(ctx context.Context, ticketCode string, status model.TicketStatus) (model.Ticket, error) {
	if !status.Terminal() {
		return model.Ticket{}, invalid("status must be confirmed or cancelled")
	}
	var (
		ticket  model.Ticket
		changed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		t, err := s.store.TicketByCode(ctx, ticketCode)
		if err != nil {
			return err
		}
		ticket = t
		// gateways retry callbacks; the same answer twice is not an error
		if t.Status == status {
			return nil
		}
		if t.Status != model.TicketPending {
			return ErrInvalidTransition
		}
		now := s.clock.Now()
		if err := s.store.UpdateTicketStatus(ctx, t.TicketID, status, now); err != nil {
			return err
		}
		ticket.Status, ticket.UpdatedAt = status, now
		changed = true
		return nil
	})
	if err != nil {
		return model.Ticket{}, err
	}
	if changed {
		s.settled(ctx, ticket, "payment")
	}
	return ticket, nil
}

// SetTripStatus records an operational change and broadcasts it.
func (s *ReservationService) SetTripStatus(ctx context.Context, trip model.Trip) (model.Trip, error) {
	switch trip.Status {
	case model.TripScheduled, model.TripBoarding, model.TripDeparted, model.TripDelayed, model.TripCancelled:
	default:
		return model.Trip{}, invalid(fmt.Sprintf("unknown trip status %q", trip.Status))
	}
	// a delay only makes sense while the trip is delayed
	if trip.Status != model.TripDelayed {
		trip.DelayMinutes = nil
	}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Trip(ctx, trip.ID); err != nil {
			return err
		}
		return s.store.UpdateTripStatus(ctx, trip)
	})
	if err != nil {
		return model.Trip{}, err
	}
	s.cacheInvalidate(ctx, trip.ID)
	if s.notifier != nil {
		s.notifier.TripChanged(trip)
	}
	return trip, nil
}

// SweepResult counts what one sweep released.
type SweepResult struct {
	ReleasedSeats    int // locks removed by expiry
	CancelledTickets int // pending tickets whose payment window closed
}

// Sweep releases expired locks on every trip and cancels pending tickets
// whose payment window has closed.  The server is the only party that
// marks a ticket cancelled by expiry.
func (s *ReservationService) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.clock.Now()
	var res SweepResult

	// Expire trip by trip so one slow trip does not hold every lock table
	// row in a single transaction.
	trips, err := s.store.TripsWithExpiredLocks(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired locks: %w", err)
	}
	for _, tripID := range trips {
		var released []string
		err := s.store.WithTx(ctx, func(ctx context.Context) error {
			var err error
			released, err = s.store.ExpireLocks(ctx, tripID, now)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("expire locks of trip %d: %w", tripID, err)
		}
		res.ReleasedSeats += len(released)
		s.released(ctx, tripID, released, "expired")
	}

	// A pending ticket gets the same window as a hold to be paid.
	stale, err := s.store.PendingTicketsBefore(ctx, now.Add(-s.hold))
	if err != nil {
		return res, fmt.Errorf("list stale tickets: %w", err)
	}
	for _, t := range stale {
		var cancelled bool
		err := s.store.WithTx(ctx, func(ctx context.Context) error {
			cur, err := s.store.Ticket(ctx, t.TicketID)
			if err != nil {
				return err
			}
			// paid or cancelled since the list was read
			if cur.Status != model.TicketPending {
				return nil
			}
			cancelled = true
			return s.store.UpdateTicketStatus(ctx, t.TicketID, model.TicketCancelled, now)
		})
		if err != nil {
			return res, fmt.Errorf("expire ticket %s: %w", t.TicketCode, err)
		}
		if cancelled {
			res.CancelledTickets++
			t.Status = model.TicketCancelled
			s.settled(ctx, t, "expired")
		}
	}
	return res, nil
}

// settled broadcasts a ticket reaching a terminal status.
func (s *ReservationService) settled(ctx context.Context, t model.Ticket, reason string) {
	metrics.Tickets.WithLabelValues(string(t.Status)).Inc()
	if t.Status == model.TicketCancelled {
		s.released(ctx, t.TripID, t.Seats, reason)
	}
	s.log.WithFields(logrus.Fields{"ticket_code": t.TicketCode, "status": t.Status}).Info("service: ticket settled")

	ev := queue.BookingEvent{
		TicketID:   t.TicketID,
		TicketCode: t.TicketCode,
		TripID:     t.TripID,
		Status:     t.Status,
		Seats:      t.Seats,
		SettledAt:  s.clock.Now().UTC(),
	}
	// The broker consumer broadcasts the event; fall back to a direct
	// broadcast so clients still hear about it when the broker is down.
	if s.publisher != nil {
		err := s.publisher.PublishBookingSettled(ctx, ev)
		if err == nil {
			return
		}
		s.log.WithError(err).Warn("service: publish failed, broadcasting directly")
	}
	if s.notifier != nil {
		s.notifier.BookingSettled(t.TicketCode, t.Status)
	}
}

// released records and broadcasts seats going back to available.
func (s *ReservationService) released(ctx context.Context, tripID uint64, seats []string, reason string) {
	if len(seats) == 0 {
		return
	}
	metrics.SeatsReleased.WithLabelValues(reason).Add(float64(len(seats)))
	s.seatsChanged(ctx, tripID, seats, model.SeatAvailable)
}

// seatsChanged purges the cached seat map before telling listeners, so a
// client reloading on the broadcast gets fresh data.
func (s *ReservationService) seatsChanged(ctx context.Context, tripID uint64, seats []string, status model.SeatStatus) {
	s.cacheInvalidate(ctx, tripID)
	if s.notifier != nil {
		s.notifier.SeatsChanged(tripID, seats, status)
	}
}

// cacheInvalidate outlives the request: a cancelled request must not leave
// a stale layout behind.
func (s *ReservationService) cacheInvalidate(ctx context.Context, tripID uint64) {
	if s.cache != nil {
		s.cache.InvalidateTrip(context.WithoutCancel(ctx), tripID)
	}
}

// normalizeSeats trims, upper-cases and de-duplicates codes, keeping order.
func normalizeSeats(seats []string) ([]string, error) {
	codes := lo.Uniq(lo.FilterMap(seats, func(s string, _ int) (string, bool) {
		s = strings.ToUpper(strings.TrimSpace(s))
		return s, s != ""
	}))
	switch {
	case len(codes) == 0:
		return nil, invalid("at least one seat is required")
	case len(codes) > model.MaxSelectedSeats:
		return nil, invalid(fmt.Sprintf("at most %d seats per request", model.MaxSelectedSeats))
	}
	return codes, nil
}

// newTicketCode returns a short code such as BUS-3F9A0C12D4, printed on the
// ticket and used by the payment gateway.
func newTicketCode() string {
	return "BUS-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
