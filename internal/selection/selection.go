// Package selection holds the seats a user has toggled on one trip but not
// yet locked.  Nothing here talks to the server.
package selection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

var (
	// ErrMaxSeats is returned when adding a seat would exceed the limit.
	ErrMaxSeats = fmt.Errorf("you can select at most %d seats", model.MaxSelectedSeats)
	// ErrSeatNotSelectable is returned for seats that are locked or booked.
	ErrSeatNotSelectable = errors.New("seat is not available")
)

// Set is an ordered, bounded set of seats for exactly one trip.
type Set struct {
	tripID uint64
	max    int

	mu    sync.Mutex
	seats []model.Seat
}

// New returns an empty Set for tripID capped at model.MaxSelectedSeats.
func New(tripID uint64) *Set {
	return &Set{tripID: tripID, max: model.MaxSelectedSeats}
}

// TripID returns the trip the set belongs to.
func (s *Set) TripID() uint64 { return s.tripID }

// Add appends seat.  Re-adding a selected seat is a no-op.  The set is left
// unchanged on error.
func (s *Set) Add(seat model.Seat) error {
	if seat.Status != model.SeatAvailable {
		return ErrSeatNotSelectable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(seat.SeatCode) >= 0 {
		return nil
	}
	if len(s.seats) >= s.max {
		return ErrMaxSeats
	}
	s.seats = append(s.seats, seat)
	return nil
}

// Remove drops the seat with code; unknown codes are ignored.
func (s *Set) Remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(code); i >= 0 {
		s.seats = append(s.seats[:i], s.seats[i+1:]...)
	}
}

// Toggle removes seat when selected and adds it otherwise.  It reports
// whether the seat is selected afterwards.
func (s *Set) Toggle(seat model.Seat) (bool, error) {
	if s.Contains(seat.SeatCode) {
		s.Remove(seat.SeatCode)
		return false, nil
	}
	if err := s.Add(seat); err != nil {
		return false, err
	}
	return true, nil
}

// Contains reports whether code is selected.
func (s *Set) Contains(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(code) >= 0
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	s.seats = nil
	s.mu.Unlock()
}

// Len returns the number of selected seats.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seats)
}

// Seats returns a copy of the selection in selection order.
func (s *Set) Seats() []model.Seat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Seat(nil), s.seats...)
}

// Codes returns the selected seat codes in selection order.
func (s *Set) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.seats))
	for i, seat := range s.seats {
		out[i] = seat.SeatCode
	}
	return out
}

// Total sums the selected seats' prices.
func (s *Set) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, seat := range s.seats {
		total += seat.Price
	}
	return total
}

func (s *Set) indexLocked(code string) int {
	for i, seat := range s.seats {
		if seat.SeatCode == code {
			return i
		}
	}
	return -1
}
