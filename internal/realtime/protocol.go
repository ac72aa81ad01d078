// Package realtime defines the seat/booking event protocol spoken over the
// storefront's websocket connection and implements the server-side hub that
// fans events out to subscribed rooms.
//
// Every frame is a JSON envelope {"type": ..., "data": ...}.  Clients send
// join_trip, leave_trip, subscribe_booking and unsubscribe_booking; the
// server sends seat_update, booking_confirmed, trip_status and notification.
package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// MessageType names an envelope.
type MessageType string

const (
	TypeJoinTrip           MessageType = "join_trip"
	TypeLeaveTrip          MessageType = "leave_trip"
	TypeSubscribeBooking   MessageType = "subscribe_booking"
	TypeUnsubscribeBooking MessageType = "unsubscribe_booking"

	TypeSeatUpdate       MessageType = "seat_update"
	TypeBookingConfirmed MessageType = "booking_confirmed"
	TypeTripStatus       MessageType = "trip_status"
	TypeNotification     MessageType = "notification"
)

// Envelope is one websocket frame.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TripRef is the payload of join_trip and leave_trip.
type TripRef struct {
	TripID uint64 `json:"tripId"`
}

// BookingRef is the payload of subscribe_booking and unsubscribe_booking.
type BookingRef struct {
	TicketCode string `json:"ticketCode"`
}

// SeatUpdate announces that seats on a trip changed status.
type SeatUpdate struct {
	TripID uint64           `json:"tripId"`
	Seats  []string         `json:"seats"`
	Status model.SeatStatus `json:"status"`
}

// Booking statuses carried by booking_confirmed.
const (
	BookingStatusConfirmed = "CONFIRMED"
	BookingStatusCancelled = "CANCELLED"
)

// BookingConfirmed announces a terminal ticket state.
type BookingConfirmed struct {
	TicketCode string `json:"ticketCode"`
	Status     string `json:"status"`
}

// TicketStatus maps the wire status onto the ticket model.
func (b BookingConfirmed) TicketStatus() (model.TicketStatus, bool) {
	switch strings.ToUpper(b.Status) {
	case BookingStatusConfirmed:
		return model.TicketConfirmed, true
	case BookingStatusCancelled:
		return model.TicketCancelled, true
	}
	return "", false
}

// BookingStatusFor maps a terminal ticket status onto the wire status.
func BookingStatusFor(s model.TicketStatus) string {
	if s == model.TicketConfirmed {
		return BookingStatusConfirmed
	}
	return BookingStatusCancelled
}

// TripStatus announces an operational change to a trip.
type TripStatus struct {
	TripID       uint64           `json:"tripId"`
	Status       model.TripStatus `json:"status"`
	DelayMinutes *int             `json:"delayMinutes,omitempty"`
}

// Notification is a free-form message for the user.
type Notification struct {
	Title   string  `json:"title"`
	Message string  `json:"message"`
	Level   string  `json:"level,omitempty"`
	TripID  *uint64 `json:"tripId,omitempty"`
}

// Encode builds a frame.
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// TripRoom is the room receiving a trip's seat and status broadcasts.
func TripRoom(tripID uint64) string { return "trip:" + strconv.FormatUint(tripID, 10) }

// BookingRoom is the room receiving a ticket's confirmation broadcasts.
func BookingRoom(ticketCode string) string { return "booking:" + ticketCode }
