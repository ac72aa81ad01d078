package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/repository/memory"
	"github.com/iliyamo/bus-seat-reservation/internal/service"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	clk   *clock.FakeClock
	rec   *recorder
	svc   *service.ReservationService
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{store: memory.New(), clk: clock.Fake(t0), rec: &recorder{}}
	f.store.AddTrip(1, 4, 1500, "A1", "A2", "A3", "A4", "B1", "B2", "B3", "B4")
	f.store.AddTrip(2, 4, 1500, "C1", "C2")
	base := []service.Option{service.WithClock(f.clk), service.WithNotifier(f.rec), service.WithCacheInvalidator(f.rec), service.WithLogger(logger)}
	f.svc = service.NewReservationService(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) lock(t *testing.T, session string, seats ...string) service.LockResult {
	t.Helper()
	res, err := f.svc.Lock(context.Background(), service.LockInput{TripID: 1, Seats: seats, SessionID: session})
	require.NoError(t, err)
	return res
}

func ticketInput(session string, seats ...string) service.CreateTicketInput {
	return service.CreateTicketInput{
		TripID:       1,
		Seats:        seats,
		ContactName:  "Ada Lovelace",
		ContactEmail: "ada@example.com",
		SessionID:    session,
		PickupID:     10,
		DropoffID:    20,
	}
}

func statusOf(t *testing.T, f *fixture, session, code string) model.Seat {
	t.Helper()
	layout, err := f.svc.SeatLayout(context.Background(), 1, session)
	require.NoError(t, err)
	seat, ok := layout.SeatByCode(code)
	require.True(t, ok)
	return seat
}

func TestLockHoldsSeatsForHoldDuration(t *testing.T) {
	f := newFixture(t)
	res := f.lock(t, "s1", "a1", "A2", "A1")

	assert.Equal(t, []string{"A1", "A2"}, res.Seats)
	assert.Equal(t, t0, res.LockedAt)
	assert.Equal(t, t0.Add(model.HoldDuration), res.ExpiresAt)
	assert.Equal(t, []seatEvent{{1, []string{"A1", "A2"}, model.SeatLocked}}, f.rec.seatEvents())
	assert.Contains(t, f.rec.purged, uint64(1))

	mine := statusOf(t, f, "s1", "A1")
	assert.Equal(t, model.SeatLocked, mine.Status)
	assert.True(t, mine.LockedByYou)
	theirs := statusOf(t, f, "s2", "A1")
	assert.Equal(t, model.SeatLocked, theirs.Status)
	assert.False(t, theirs.LockedByYou)
}

func TestLockIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "s1", "A2")

	_, err := f.svc.Lock(context.Background(), service.LockInput{TripID: 1, Seats: []string{"A1", "A2", "A3"}, SessionID: "s2"})
	var unavailable *service.UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, []string{"A2"}, unavailable.Seats)
	assert.Equal(t, 1, f.lockCount(t, 1))
	assert.Equal(t, model.SeatAvailable, statusOf(t, f, "s2", "A1").Status)
}

func TestRelockDoesNotExtendHold(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "s1", "A1")
	f.clk.Advance(3 * time.Minute)

	res := f.lock(t, "s1", "A1", "A2")
	assert.Equal(t, t0, res.LockedAt)
	assert.Equal(t, t0.Add(model.HoldDuration), res.ExpiresAt)
}

func TestExpiredLockCanBeTakenByAnotherSession(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "s1", "A1")
	f.clk.Advance(model.HoldDuration)

	res := f.lock(t, "s2", "A1")
	assert.Equal(t, f.clk.Now(), res.LockedAt)
	events := f.rec.seatEvents()
	require.Len(t, events, 3)
	assert.Equal(t, seatEvent{1, []string{"A1"}, model.SeatAvailable}, events[1])
	assert.Equal(t, seatEvent{1, []string{"A1"}, model.SeatLocked}, events[2])
}

func TestLockValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"A1", "A2", "A3", "A4", "B1", "B2"}, SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{" "}, SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"Z9"}, SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "Z9")

	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"A1"}})
	assert.ErrorIs(t, err, service.ErrSessionRequired)

	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 99, Seats: []string{"A1"}, SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestUnlockReleasesOnlyOwnLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	f.lock(t, "s2", "A2")

	released, err := f.svc.Unlock(ctx, service.UnlockInput{TripID: 1, Seats: []string{"A1", "A2"}, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, released)
	assert.Equal(t, model.SeatAvailable, statusOf(t, f, "s1", "A1").Status)
	assert.Equal(t, model.SeatLocked, statusOf(t, f, "s1", "A2").Status)

	released, err = f.svc.Unlock(ctx, service.UnlockInput{TripID: 1, Seats: []string{"A1"}, SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestCreateTicketConsumesLocks(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "s1", "A1", "A2")
	f.clk.Advance(time.Minute)

	ticket, err := f.svc.CreateTicket(context.Background(), ticketInput("s1", "A1", "A2"))
	require.NoError(t, err)
	assert.Equal(t, model.TicketPending, ticket.Status)
	assert.Regexp(t, `^BUS-[0-9A-F]{10}$`, ticket.TicketCode)
	assert.Equal(t, int64(3000), ticket.TotalPrice)
	assert.Equal(t, f.clk.Now(), ticket.CreatedAt)
	assert.NotZero(t, ticket.TicketID)

	assert.Equal(t, 0, f.lockCount(t, 1))
	assert.Equal(t, model.SeatBooked, statusOf(t, f, "s2", "A1").Status)

	got, err := f.svc.GetTicket(context.Background(), ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, ticket.TicketCode, got.TicketCode)
}

func TestCreateTicketRequiresLiveLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	assert.ErrorIs(t, err, service.ErrHoldExpired)

	f.lock(t, "s1", "A1")
	f.clk.Advance(model.HoldDuration + time.Second)
	_, err = f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	assert.ErrorIs(t, err, service.ErrHoldExpired)

	f.lock(t, "s2", "A2")
	_, err = f.svc.CreateTicket(ctx, ticketInput("s1", "A2"))
	var unavailable *service.UnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, []string{"A2"}, unavailable.Seats)
}

func TestCreateTicketValidatesContact(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "s1", "A1")
	ctx := context.Background()

	in := ticketInput("s1", "A1")
	in.ContactName = ""
	_, err := f.svc.CreateTicket(ctx, in)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	in = ticketInput("s1", "A1")
	in.ContactEmail = "not-an-email"
	_, err = f.svc.CreateTicket(ctx, in)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	in = ticketInput("s1", "A1")
	in.ContactEmail, in.ContactPhone = "", "+49 30 1234"
	_, err = f.svc.CreateTicket(ctx, in)
	assert.NoError(t, err)

	in = ticketInput("s1", "A2")
	in.PickupID = 0
	_, err = f.svc.CreateTicket(ctx, in)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
}

func TestCancelTicketReleasesSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	ticket, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	require.NoError(t, err)

	_, err = f.svc.CancelTicket(ctx, ticket.TicketID, service.Caller{SessionID: "intruder"})
	assert.ErrorIs(t, err, service.ErrForbidden)

	res, err := f.svc.CancelTicket(ctx, ticket.TicketID, service.Caller{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, res.Status)
	assert.Equal(t, []string{"A1"}, res.ReleasedSeats)
	assert.Equal(t, model.SeatAvailable, statusOf(t, f, "s2", "A1").Status)
	assert.Equal(t, []string{ticket.TicketCode + ":cancelled"}, f.rec.bookings)

	_, err = f.svc.CancelTicket(ctx, ticket.TicketID, service.Caller{SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestCancelTicketByUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := uint64(5)
	_, err := f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"A1"}, SessionID: "s1", UserID: &uid})
	require.NoError(t, err)
	in := ticketInput("s1", "A1")
	in.UserID = &uid
	ticket, err := f.svc.CreateTicket(ctx, in)
	require.NoError(t, err)

	_, err = f.svc.CancelTicket(ctx, ticket.TicketID, service.Caller{SessionID: "other-device", UserID: &uid})
	assert.NoError(t, err)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	ticket, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	require.NoError(t, err)

	got, err := f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketConfirmed)
	require.NoError(t, err)
	assert.Equal(t, model.TicketConfirmed, got.Status)

	_, err = f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketConfirmed)
	require.NoError(t, err)
	assert.Len(t, f.rec.bookings, 1)

	_, err = f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketCancelled)
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketPending)
	assert.ErrorIs(t, err, service.ErrInvalidRequest)

	_, err = f.svc.ConfirmPayment(ctx, "BUS-NOPE", model.TicketConfirmed)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestSettlementGoesThroughPublisherWhenAvailable(t *testing.T) {
	pub := &recorder{}
	f := newFixture(t, service.WithPublisher(pub))
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	ticket, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketConfirmed)
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Equal(t, ticket.TicketCode, pub.published[0].TicketCode)
	assert.Equal(t, model.TicketConfirmed, pub.published[0].Status)
	assert.Empty(t, f.rec.bookings, "published events are broadcast by the consumer")
}

func TestSettlementFallsBackWhenPublishFails(t *testing.T) {
	pub := &recorder{pubErr: errors.New("broker down")}
	f := newFixture(t, service.WithPublisher(pub))
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	ticket, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, ticket.TicketCode, model.TicketConfirmed)
	require.NoError(t, err)
	assert.Equal(t, []string{ticket.TicketCode + ":confirmed"}, f.rec.bookings)
}

func TestSweepReleasesLocksAndExpiresTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.lock(t, "s1", "A1")
	ticket, err := f.svc.CreateTicket(ctx, ticketInput("s1", "A1"))
	require.NoError(t, err)
	f.lock(t, "s2", "A2", "A3")
	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 2, Seats: []string{"C1"}, SessionID: "s3"})
	require.NoError(t, err)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SweepResult{}, res)

	f.clk.Advance(model.HoldDuration + time.Second)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.SweepResult{ReleasedSeats: 3, CancelledTickets: 1}, res)

	got, err := f.svc.GetTicket(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, got.Status)
	assert.Equal(t, model.SeatAvailable, statusOf(t, f, "s9", "A1").Status)
	assert.Contains(t, f.rec.bookings, ticket.TicketCode+":cancelled")
}

func TestSetTripStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delay := 25

	trip, err := f.svc.SetTripStatus(ctx, model.Trip{ID: 1, Status: model.TripDelayed, DelayMinutes: &delay})
	require.NoError(t, err)
	require.NotNil(t, trip.DelayMinutes)
	f.lock(t, "s1", "A1")

	trip, err = f.svc.SetTripStatus(ctx, model.Trip{ID: 1, Status: model.TripDeparted, DelayMinutes: &delay})
	require.NoError(t, err)
	assert.Nil(t, trip.DelayMinutes)
	require.Len(t, f.rec.trips, 2)
	assert.Equal(t, model.TripDeparted, f.rec.trips[1].Status)

	_, err = f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"A2"}, SessionID: "s1"})
	assert.ErrorIs(t, err, service.ErrTripClosed)

	_, err = f.svc.SetTripStatus(ctx, model.Trip{ID: 1, Status: "teleported"})
	assert.ErrorIs(t, err, service.ErrInvalidRequest)
	_, err = f.svc.SetTripStatus(ctx, model.Trip{ID: 77, Status: model.TripBoarding})
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestConcurrentLocksGrantEachSeatOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		session := "s" + string(rune('a'+i))
		go func() {
			_, err := f.svc.Lock(ctx, service.LockInput{TripID: 1, Seats: []string{"B1", "B2"}, SessionID: session})
			errs <- err
		}()
	}
	var granted int
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			granted++
		} else {
			var unavailable *service.UnavailableError
			assert.True(t, errors.As(err, &unavailable))
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 2, f.lockCount(t, 1))
}

func (f *fixture) lockCount(t *testing.T, tripID uint64) int {
	t.Helper()
	locks, err := f.store.ActiveLocks(context.Background(), tripID,
		[]string{"A1", "A2", "A3", "A4", "B1", "B2", "B3", "B4", "C1", "C2"}, time.Time{})
	require.NoError(t, err)
	return len(locks)
}
