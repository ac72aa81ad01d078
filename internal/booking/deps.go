package booking

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/seattx"
)

// Locker is the seat transaction manager as seen by a booking flow.
type Locker interface {
	Lock(ctx context.Context, tripID uint64, seats []string) error
	Unlock(ctx context.Context, tripID uint64, seats []string)
	ReleaseHeld(ctx context.Context) bool
	Forget(tripID uint64)
	Held() (seattx.Hold, bool)
	Pending() bool
}

// Layouts is the shared seat layout cache.
type Layouts interface {
	Get(ctx context.Context, tripID uint64) (model.SeatLayout, error)
	Invalidate(tripID uint64)
}

// Tickets is the ticket half of the reservation API.
type Tickets interface {
	CreateTicket(ctx context.Context, req apiclient.CreateTicketRequest) (model.Ticket, error)
	GetTicket(ctx context.Context, ticketID uint64) (model.Ticket, error)
	CancelTicket(ctx context.Context, ticketID uint64) (model.CancelResult, error)
}

// Realtime is the shared real-time channel.
type Realtime interface {
	JoinTrip(tripID uint64)
	LeaveTrip(tripID uint64)
	SubscribeBooking(ticketCode string)
	UnsubscribeBooking(ticketCode string)
	OnSeatUpdate(fn func(realtime.SeatUpdate)) func()
	OnBookingConfirmed(fn func(realtime.BookingConfirmed)) func()
	OnTripStatus(fn func(realtime.TripStatus)) func()
	OnNotification(fn func(realtime.Notification)) func()
	OnConnected(fn func()) func()
}

// Deps are the collaborators shared by every surface.  Realtime may be nil,
// in which case confirmations arrive only through polling.
type Deps struct {
	Layouts  Layouts
	Tx       Locker
	Tickets  Tickets
	Realtime Realtime
	Clock    clock.Clock
	Log      logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return d
}
