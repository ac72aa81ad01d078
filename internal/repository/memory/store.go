// Package memory is an in-process reservation store for development and
// tests.  It keeps the same semantics as the MySQL store: seat status is
// derived from tickets and unexpired locks.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/service"
)

// Store is an in-memory service.Store.  WithTx serialises transactions and
// restores a snapshot when fn fails.
type Store struct {
	tx sync.Mutex

	mu      sync.Mutex
	trips   map[uint64]model.Trip
	seats   map[uint64][]model.Seat
	locks   []model.SeatLock
	grids   map[uint64][3]int
	tickets map[uint64]model.Ticket
	nextID  uint64
}

var _ service.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		trips:   map[uint64]model.Trip{},
		grids:   map[uint64][3]int{},
		seats:   map[uint64][]model.Seat{},
		tickets: map[uint64]model.Ticket{},
	}
}

// AddTrip creates a scheduled single-deck trip whose seats are laid out
// row-major in cols columns, every seat at price.
func (m *Store) AddTrip(id uint64, cols int, price int64, codes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cols < 1 {
		cols = 4
	}
	m.trips[id] = model.Trip{ID: id, Status: model.TripScheduled}
	m.grids[id] = [3]int{1, (len(codes) + cols - 1) / cols, cols}
	m.seats[id] = nil
	for i, c := range codes {
		m.seats[id] = append(m.seats[id], model.Seat{SeatID: uint64(i + 1), SeatCode: c, Deck: 1, Row: i / cols, Col: i % cols, Price: price})
	}
}

// SeedDemo adds trip 1 with rows A..J of four seats, like the demo
// migration of the MySQL schema.
func (m *Store) SeedDemo() {
	var codes []string
	for r := 'A'; r <= 'J'; r++ {
		for c := 1; c <= 4; c++ {
			codes = append(codes, string(r)+strconv.Itoa(c))
		}
	}
	m.AddTrip(1, 4, 2500, codes...)
}

func (m *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()

	m.mu.Lock()
	locks := append([]model.SeatLock(nil), m.locks...)
	tickets := make(map[uint64]model.Ticket, len(m.tickets))
	for k, v := range m.tickets {
		tickets[k] = v
	}
	trips := make(map[uint64]model.Trip, len(m.trips))
	for k, v := range m.trips {
		trips[k] = v
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.locks, m.tickets, m.trips = locks, tickets, trips
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Store) Trip(_ context.Context, tripID uint64) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return model.Trip{}, service.ErrNotFound
	}
	return t, nil
}

func (m *Store) UpdateTripStatus(_ context.Context, trip model.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[trip.ID] = trip
	return nil
}

func (m *Store) bookedLocked(tripID uint64) map[string]bool {
	out := map[string]bool{}
	for _, t := range m.tickets {
		if t.TripID == tripID && t.Status != model.TicketCancelled {
			for _, s := range t.Seats {
				out[s] = true
			}
		}
	}
	return out
}

func (m *Store) SeatLayout(_ context.Context, tripID uint64, sessionID string, now time.Time) (model.SeatLayout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booked := m.bookedLocked(tripID)
	if _, ok := m.trips[tripID]; !ok {
		return model.SeatLayout{}, service.ErrNotFound
	}
	g := m.grids[tripID]
	layout := model.SeatLayout{TripID: tripID, TotalDecks: g[0], GridRows: g[1], GridColumns: g[2]}
	for _, s := range m.seats[tripID] {
		s.Status = model.SeatAvailable
		if booked[s.SeatCode] {
			s.Status = model.SeatBooked
		} else {
			for _, l := range m.locks {
				if l.TripID == tripID && l.SeatCode == s.SeatCode && l.ExpiresAt.After(now) {
					s.Status = model.SeatLocked
					s.LockedByYou = l.SessionID == sessionID
				}
			}
		}
		layout.Seats = append(layout.Seats, s)
	}
	return layout, nil
}

func (m *Store) SeatPrices(_ context.Context, tripID uint64, codes []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int64{}
	for _, s := range m.seats[tripID] {
		if lo.Contains(codes, s.SeatCode) {
			out[s.SeatCode] = s.Price
		}
	}
	return out, nil
}

func (m *Store) BookedSeats(_ context.Context, tripID uint64, codes []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	booked := m.bookedLocked(tripID)
	return lo.Filter(codes, func(c string, _ int) bool { return booked[c] }), nil
}

func (m *Store) ExpireLocks(_ context.Context, tripID uint64, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	m.locks = lo.Filter(m.locks, func(l model.SeatLock, _ int) bool {
		if l.TripID == tripID && !l.ExpiresAt.After(now) {
			released = append(released, l.SeatCode)
			return false
		}
		return true
	})
	sort.Strings(released)
	return released, nil
}

func (m *Store) TripsWithExpiredLocks(_ context.Context, now time.Time) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := lo.Uniq(lo.FilterMap(m.locks, func(l model.SeatLock, _ int) (uint64, bool) {
		return l.TripID, !l.ExpiresAt.After(now)
	}))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Store) ActiveLocks(_ context.Context, tripID uint64, codes []string, now time.Time) ([]model.SeatLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.locks, func(l model.SeatLock, _ int) bool {
		return l.TripID == tripID && lo.Contains(codes, l.SeatCode) && l.ExpiresAt.After(now)
	}), nil
}

func (m *Store) CreateLocks(_ context.Context, locks []model.SeatLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range locks {
		for _, x := range m.locks {
			if x.TripID == l.TripID && x.SeatCode == l.SeatCode {
				return service.ErrLockConflict
			}
		}
		m.nextID++
		l.ID = m.nextID
		m.locks = append(m.locks, l)
	}
	return nil
}

func (m *Store) DeleteLocks(_ context.Context, tripID uint64, sessionID string, codes []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	m.locks = lo.Filter(m.locks, func(l model.SeatLock, _ int) bool {
		if l.TripID == tripID && l.SessionID == sessionID && lo.Contains(codes, l.SeatCode) {
			removed = append(removed, l.SeatCode)
			return false
		}
		return true
	})
	return removed, nil
}

func (m *Store) CreateTicket(_ context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.TicketID = m.nextID
	cp := *t
	cp.Seats = append([]string(nil), t.Seats...)
	m.tickets[t.TicketID] = cp
	return nil
}

func (m *Store) Ticket(_ context.Context, ticketID uint64) (model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return model.Ticket{}, service.ErrNotFound
	}
	return t, nil
}

func (m *Store) TicketByCode(_ context.Context, code string) (model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.TicketCode == code {
			return t, nil
		}
	}
	return model.Ticket{}, service.ErrNotFound
}

func (m *Store) UpdateTicketStatus(_ context.Context, ticketID uint64, status model.TicketStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return service.ErrNotFound
	}
	t.Status, t.UpdatedAt = status, at
	m.tickets[ticketID] = t
	return nil
}

func (m *Store) PendingTicketsBefore(_ context.Context, before time.Time) ([]model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Ticket
	for _, t := range m.tickets {
		if t.Status == model.TicketPending && t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

