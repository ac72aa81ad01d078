package service_test

import (
	"context"
	"sync"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
)

type seatEvent struct {
	TripID uint64
	Seats  []string
	Status model.SeatStatus
}

type recorder struct {
	mu        sync.Mutex
	seats     []seatEvent
	bookings  []string
	trips     []model.Trip
	published []queue.BookingEvent
	pubErr    error
	purged    []uint64
}

func (r *recorder) SeatsChanged(tripID uint64, seats []string, status model.SeatStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seats = append(r.seats, seatEvent{tripID, append([]string(nil), seats...), status})
}

func (r *recorder) BookingSettled(code string, status model.TicketStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings = append(r.bookings, code+":"+string(status))
}

func (r *recorder) TripChanged(t model.Trip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips = append(r.trips, t)
}

func (r *recorder) PublishBookingSettled(_ context.Context, ev queue.BookingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubErr != nil {
		return r.pubErr
	}
	r.published = append(r.published, ev)
	return nil
}

func (r *recorder) InvalidateTrip(_ context.Context, tripID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, tripID)
}

func (r *recorder) seatEvents() []seatEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]seatEvent(nil), r.seats...)
}
