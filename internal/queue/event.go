// Package queue carries booking events over RabbitMQ: the API publishes a
// BookingEvent when a ticket settles and a consumer fans it out to the
// real-time channel and the booking audit log.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// BookingQueue is the durable queue booking events are routed to.
const BookingQueue = "booking.events"

// BookingEvent is published when a ticket reaches confirmed or cancelled.
// It carries enough for consumers to notify subscribers and log the booking
// without querying the database.
type BookingEvent struct {
	TicketID   uint64             `json:"ticket_id"`
	TicketCode string             `json:"ticket_code"`
	TripID     uint64             `json:"trip_id"`
	Status     model.TicketStatus `json:"status"`
	Seats      []string           `json:"seats"`
	SettledAt  time.Time          `json:"settled_at"`
}

// Decode parses and checks a message body.
func Decode(body []byte) (BookingEvent, error) {
	var ev BookingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.TicketCode == "" {
		return ev, fmt.Errorf("event without ticket code")
	}
	if !ev.Status.Terminal() {
		return ev, fmt.Errorf("event with non-terminal status %q", ev.Status)
	}
	return ev, nil
}
