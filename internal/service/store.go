package service

import (
	"context"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// Store is the persistence the reservation service needs.  Methods called
// inside WithTx run in that transaction.  Lookups of missing rows return
// ErrNotFound.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	Trip(ctx context.Context, tripID uint64) (model.Trip, error)
	UpdateTripStatus(ctx context.Context, trip model.Trip) error

	// SeatLayout reports each seat's status at now.  LockedByYou is set on
	// seats locked by sessionID.
	SeatLayout(ctx context.Context, tripID uint64, sessionID string, now time.Time) (model.SeatLayout, error)
	// SeatPrices returns the price of each known code; unknown codes are
	// absent from the map.
	SeatPrices(ctx context.Context, tripID uint64, codes []string) (map[string]int64, error)
	// BookedSeats returns the codes that belong to a pending or confirmed ticket.
	BookedSeats(ctx context.Context, tripID uint64, codes []string) ([]string, error)

	// ExpireLocks deletes locks expired at now and returns their seat codes.
	ExpireLocks(ctx context.Context, tripID uint64, now time.Time) ([]string, error)
	// TripsWithExpiredLocks lists trips having locks expired at now.
	TripsWithExpiredLocks(ctx context.Context, now time.Time) ([]uint64, error)
	// ActiveLocks returns unexpired locks on codes, locking the rows.
	ActiveLocks(ctx context.Context, tripID uint64, codes []string, now time.Time) ([]model.SeatLock, error)
	// CreateLocks inserts locks; a seat locked concurrently yields ErrLockConflict.
	CreateLocks(ctx context.Context, locks []model.SeatLock) error
	// DeleteLocks removes the session's locks on codes and returns the codes removed.
	DeleteLocks(ctx context.Context, tripID uint64, sessionID string, codes []string) ([]string, error)

	// CreateTicket inserts t with its seats and fills TicketID.
	CreateTicket(ctx context.Context, t *model.Ticket) error
	Ticket(ctx context.Context, ticketID uint64) (model.Ticket, error)
	TicketByCode(ctx context.Context, code string) (model.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID uint64, status model.TicketStatus, at time.Time) error
	// PendingTicketsBefore lists pending tickets created before t.
	PendingTicketsBefore(ctx context.Context, t time.Time) ([]model.Ticket, error)
}
