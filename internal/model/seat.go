package model

// SeatStatus is the server-side availability of a seat on a trip.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "available" // free to lock
	SeatLocked    SeatStatus = "locked"    // held by a session, possibly the caller's
	SeatBooked    SeatStatus = "booked"    // listed on a pending or confirmed ticket
)

// Seat is one cell of a trip's seat grid.  Seats are immutable per fetch;
// clients refresh them by refetching the layout, never by mutating them.
//
// Fields:
//  SeatID      – trip_seats.id
//  SeatCode    – printed label, e.g. "A1"; unique within a trip
//  Deck        – 1-based deck number (double-decker coaches have 2)
//  Row, Col    – 0-based grid position within the deck
//  Status      – available, locked or booked
//  Price       – price in minor currency units
//  LockedByYou – set only when the requesting session holds the lock
type Seat struct {
	SeatID      uint64     `json:"seatId"`
	SeatCode    string     `json:"seatCode"`
	Deck        int        `json:"deck"`
	Row         int        `json:"row"`
	Col         int        `json:"col"`
	Status      SeatStatus `json:"status"`
	Price       int64      `json:"price"`
	LockedByYou bool       `json:"lockedByYou,omitempty"`
}

// SeatLayout is the full seat grid of a trip as returned by
// GET /v1/trips/:id/seats.
type SeatLayout struct {
	TripID      uint64 `json:"tripId"`      // trips.id
	TotalDecks  int    `json:"totalDecks"`  // trips.total_decks
	GridRows    int    `json:"gridRows"`    // trips.grid_rows
	GridColumns int    `json:"gridColumns"` // trips.grid_columns
	Seats       []Seat `json:"seats"`       // ordered by deck, row, column
}

// SeatByCode returns the seat with the given code.
func (l SeatLayout) SeatByCode(code string) (Seat, bool) {
	for _, s := range l.Seats {
		if s.SeatCode == code {
			return s, true
		}
	}
	return Seat{}, false
}

// Deck returns the seats on a deck in grid order as stored.
func (l SeatLayout) Deck(deck int) []Seat {
	out := make([]Seat, 0, len(l.Seats))
	for _, s := range l.Seats {
		if s.Deck == deck {
			out = append(out, s)
		}
	}
	return out
}
