package model

import "time"

// TicketStatus tracks a booking through payment.  The only transitions are
// pending -> confirmed and pending -> cancelled; both ends are final.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"   // created, awaiting payment
	TicketConfirmed TicketStatus = "confirmed" // paid; the seats are sold
	TicketCancelled TicketStatus = "cancelled" // released by the customer, the gateway or the sweeper
)

// Terminal reports whether no further transition can leave s.  Clients stop
// polling and unsubscribe from the booking room once a ticket is terminal.
func (s TicketStatus) Terminal() bool {
	return s == TicketConfirmed || s == TicketCancelled
}

// Ticket is a booking record created from a set of locked seats.  It starts
// pending and ends either confirmed (paid) or cancelled (explicitly or by
// server-side hold expiry).
type Ticket struct {
	TicketID        uint64       `json:"ticketId"`            // tickets.id
	TicketCode      string       `json:"ticketCode"`          // tickets.ticket_code, BUS- plus 10 hex digits
	TripID          uint64       `json:"tripId"`              // tickets.trip_id
	Status          TicketStatus `json:"status"`              // tickets.status
	Seats           []string     `json:"seats"`               // ticket_seats.seat_code, sorted
	ContactName     string       `json:"contactName"`         // tickets.contact_name
	ContactEmail    string       `json:"contactEmail"`        // tickets.contact_email
	ContactPhone    string       `json:"contactPhone"`        // tickets.contact_phone
	IsGuestCheckout bool         `json:"isGuestCheckout"`     // tickets.is_guest_checkout
	SessionID       string       `json:"sessionId,omitempty"` // tickets.session_id, the session that held the locks
	UserID          *uint64      `json:"userId,omitempty"`    // tickets.user_id, nil for guests
	PickupID        uint64       `json:"pickupId"`            // tickets.pickup_id
	DropoffID       uint64       `json:"dropoffId"`           // tickets.dropoff_id
	TotalPrice      int64        `json:"totalPrice"`          // sum of seat prices in minor units
	CreatedAt       time.Time    `json:"createdAt"`           // server time; anchors the payment window
	UpdatedAt       time.Time    `json:"updatedAt"`           // last status change
}

// CancelResult is returned by POST /v1/tickets/:id/cancel.  ReleasedSeats
// lets the caller refresh the seat map without a second request.
type CancelResult struct {
	TicketID      uint64       `json:"ticketId"`      // cancelled ticket
	Status        TicketStatus `json:"status"`        // always cancelled on success
	ReleasedSeats []string     `json:"releasedSeats"` // seats returned to sale
}
