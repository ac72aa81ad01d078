package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/metrics"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// FanoutChannel is the redis pub/sub channel replicas relay frames through.
const FanoutChannel = "realtime:frames"

type relayed struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// Fanout delivers frames to the local hub and, when redis is available, to
// every other replica's hub as well.
type Fanout struct {
	hub *Hub
	rdb *redis.Client
	log logrus.FieldLogger
}

// NewFanout returns a Fanout.  rdb may be nil, in which case frames only
// reach the local hub.
func NewFanout(hub *Hub, rdb *redis.Client, log logrus.FieldLogger) *Fanout {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fanout{hub: hub, rdb: rdb, log: log}
}

// Broadcast publishes frame to room.  With redis the local hub receives the
// frame through Run like every other replica.
func (f *Fanout) Broadcast(room string, frame []byte) error {
	if f.rdb == nil {
		return f.hub.Broadcast(room, frame)
	}
	msg, err := json.Marshal(relayed{Room: room, Frame: frame})
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(context.Background(), FanoutChannel, msg).Err(); err != nil {
		f.log.WithError(err).Warn("realtime: redis publish failed, delivering locally")
		return f.hub.Broadcast(room, frame)
	}
	return nil
}

// Run relays frames published by any replica into the local hub until ctx
// is done.  It returns immediately when redis is not configured.
func (f *Fanout) Run(ctx context.Context) error {
	if f.rdb == nil {
		return nil
	}
	sub := f.rdb.Subscribe(ctx, FanoutChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", FanoutChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var r relayed
			if err := json.Unmarshal([]byte(m.Payload), &r); err != nil {
				f.log.WithError(err).Warn("realtime: bad relayed frame")
				continue
			}
			_ = f.hub.Broadcast(r.Room, r.Frame)
		}
	}
}

// Events encodes typed events and hands them to a Broadcaster.
type Events struct {
	b   Broadcaster
	log logrus.FieldLogger
}

// NewEvents returns an Events writing to b.
func NewEvents(b Broadcaster, log logrus.FieldLogger) *Events {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Events{b: b, log: log}
}

func (e *Events) send(room string, t MessageType, payload any) {
	frame, err := Encode(t, payload)
	if err != nil {
		e.log.WithError(err).Error("realtime: encode failed")
		return
	}
	if err := e.b.Broadcast(room, frame); err != nil {
		e.log.WithError(err).WithField("room", room).Warn("realtime: broadcast failed")
		return
	}
	metrics.RealtimeBroadcasts.WithLabelValues(string(t)).Inc()
}

// SeatsChanged broadcasts seat_update to the trip room.
func (e *Events) SeatsChanged(tripID uint64, seats []string, status model.SeatStatus) {
	if len(seats) == 0 {
		return
	}
	e.send(TripRoom(tripID), TypeSeatUpdate, SeatUpdate{TripID: tripID, Seats: seats, Status: status})
}

// BookingSettled broadcasts booking_confirmed to the booking room.
func (e *Events) BookingSettled(ticketCode string, status model.TicketStatus) {
	e.send(BookingRoom(ticketCode), TypeBookingConfirmed, BookingConfirmed{
		TicketCode: ticketCode,
		Status:     BookingStatusFor(status),
	})
}

// TripChanged broadcasts trip_status to the trip room.
func (e *Events) TripChanged(t model.Trip) {
	e.send(TripRoom(t.ID), TypeTripStatus, TripStatus{TripID: t.ID, Status: t.Status, DelayMinutes: t.DelayMinutes})
}

// Notify broadcasts a notification to room.
func (e *Events) Notify(room string, n Notification) {
	e.send(room, TypeNotification, n)
}
