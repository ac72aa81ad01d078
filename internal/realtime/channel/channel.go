// Package channel is the storefront's single real-time connection.  Booking
// surfaces join trip rooms and subscribe to booking codes through it; the
// channel remembers every active key and replays them after a reconnect, so
// callers never resubscribe themselves.
package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	writeWait         = 10 * time.Second
)

// Channel is safe for concurrent use.  Listeners run on the read goroutine
// and must not block; they may call back into the Channel.
type Channel struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	log        logrus.FieldLogger
	minBackoff time.Duration
	maxBackoff time.Duration

	// mu guards the registry and the live connection.  Frames are written
	// with mu held, which also serialises writers as gorilla requires.
	mu        sync.Mutex
	trips     map[uint64]int
	bookings  map[string]int
	ws        *websocket.Conn
	ready     chan struct{} // closed while connected
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	seatUpdates *listeners[realtime.SeatUpdate]
	bookingsLn  *listeners[realtime.BookingConfirmed]
	tripStatus  *listeners[realtime.TripStatus]
	notices     *listeners[realtime.Notification]
	onConnect   *listeners[struct{}]
}

// Option configures a Channel.
type Option func(*Channel)

// WithHeader sets headers sent on every handshake (X-Session-ID, auth).
func WithHeader(h http.Header) Option { return func(c *Channel) { c.header = h.Clone() } }

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Channel) { c.dialer = d } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(c *Channel) { c.log = l } }

// WithBackoff bounds the reconnect delay, which doubles from min up to max.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Channel) {
		if min > 0 {
			c.minBackoff = min
		}
		if max >= c.minBackoff {
			c.maxBackoff = max
		}
	}
}

// New returns a Channel for the websocket endpoint at url.  Nothing is
// dialled until the first subscription or an explicit Connect.
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		dialer:      websocket.DefaultDialer,
		log:         logrus.StandardLogger(),
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		trips:       make(map[uint64]int),
		bookings:    make(map[string]int),
		ready:       make(chan struct{}),
		seatUpdates: newListeners[realtime.SeatUpdate](),
		bookingsLn:  newListeners[realtime.BookingConfirmed](),
		tripStatus:  newListeners[realtime.TripStatus](),
		notices:     newListeners[realtime.Notification](),
		onConnect:   newListeners[struct{}](),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts the connection loop if it is not running.  It does not wait
// for the handshake; see WaitConnected.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

func (c *Channel) startLocked() {
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

// Disconnect closes the connection and stops reconnecting.  The registry is
// kept: a later Connect or subscription replays it.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.cancel = nil
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if ws != nil {
		_ = ws.Close()
	}
	<-done
}

// Connected reports whether a connection is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until a connection is established or ctx is done.
func (c *Channel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinTrip adds a reference to the trip's room, joining it on first use.
func (c *Channel) JoinTrip(tripID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trips[tripID]++
	if c.trips[tripID] == 1 {
		c.sendLocked(realtime.TypeJoinTrip, realtime.TripRef{TripID: tripID})
	}
	c.startLocked()
}

// LeaveTrip drops a reference; the room is left when none remain.
func (c *Channel) LeaveTrip(tripID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.trips[tripID]
	if !ok {
		return
	}
	if n > 1 {
		c.trips[tripID] = n - 1
		return
	}
	delete(c.trips, tripID)
	c.sendLocked(realtime.TypeLeaveTrip, realtime.TripRef{TripID: tripID})
}

// SubscribeBooking adds a reference to a ticket's booking room.
func (c *Channel) SubscribeBooking(ticketCode string) {
	if ticketCode == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bookings[ticketCode]++
	if c.bookings[ticketCode] == 1 {
		c.sendLocked(realtime.TypeSubscribeBooking, realtime.BookingRef{TicketCode: ticketCode})
	}
	c.startLocked()
}

// UnsubscribeBooking drops a reference to a ticket's booking room.
func (c *Channel) UnsubscribeBooking(ticketCode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.bookings[ticketCode]
	if !ok {
		return
	}
	if n > 1 {
		c.bookings[ticketCode] = n - 1
		return
	}
	delete(c.bookings, ticketCode)
	c.sendLocked(realtime.TypeUnsubscribeBooking, realtime.BookingRef{TicketCode: ticketCode})
}

// Subscriptions returns the registry keys, sorted.
func (c *Channel) Subscriptions() (trips []uint64, bookings []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.trips {
		trips = append(trips, id)
	}
	for code := range c.bookings {
		bookings = append(bookings, code)
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i] < trips[j] })
	sort.Strings(bookings)
	return trips, bookings
}

// OnSeatUpdate registers fn for seat_update frames of every joined trip.
func (c *Channel) OnSeatUpdate(fn func(realtime.SeatUpdate)) func() { return c.seatUpdates.add(fn) }

// OnBookingConfirmed registers fn for booking_confirmed frames.
func (c *Channel) OnBookingConfirmed(fn func(realtime.BookingConfirmed)) func() {
	return c.bookingsLn.add(fn)
}

// OnTripStatus registers fn for trip_status frames.
func (c *Channel) OnTripStatus(fn func(realtime.TripStatus)) func() { return c.tripStatus.add(fn) }

// OnNotification registers fn for notification frames.
func (c *Channel) OnNotification(fn func(realtime.Notification)) func() { return c.notices.add(fn) }

// OnConnected registers fn to run after every successful connect, once the
// registry has been replayed.  Broadcasts sent while disconnected are lost,
// so surfaces use this to refetch.
func (c *Channel) OnConnected(fn func()) func() {
	return c.onConnect.add(func(struct{}) { fn() })
}

func (c *Channel) sendLocked(t realtime.MessageType, payload any) {
	if c.ws == nil {
		return
	}
	frame, err := realtime.Encode(t, payload)
	if err != nil {
		c.log.WithError(err).Error("channel: encode failed")
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// the read loop sees the broken connection and reconnects
		c.log.WithError(err).WithField("type", t).Warn("channel: write failed")
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.minBackoff
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("retry_in", backoff).Warn("channel: dial failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		if !c.attach(ctx, ws) {
			_ = ws.Close()
			return
		}
		c.onConnect.emit(struct{}{})
		c.read(ws)
		c.detach(ws)

		if ctx.Err() != nil {
			return
		}
		c.log.WithField("retry_in", backoff).Info("channel: connection lost, reconnecting")
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// attach publishes ws as the live connection and replays the registry in the
// same critical section, so no subscription made concurrently is sent twice
// or missed.
func (c *Channel) attach(ctx context.Context, ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.ws = ws
	c.connected = true
	for id := range c.trips {
		c.sendLocked(realtime.TypeJoinTrip, realtime.TripRef{TripID: id})
	}
	for code := range c.bookings {
		c.sendLocked(realtime.TypeSubscribeBooking, realtime.BookingRef{TicketCode: code})
	}
	close(c.ready)
	c.log.WithField("trips", len(c.trips)).WithField("bookings", len(c.bookings)).Debug("channel: connected")
	return true
}

func (c *Channel) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.ws = nil
		c.connected = false
		c.ready = make(chan struct{})
	}
}

func (c *Channel) read(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env realtime.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.WithError(err).Debug("channel: malformed frame ignored")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env realtime.Envelope) {
	var err error
	switch env.Type {
	case realtime.TypeSeatUpdate:
		var v realtime.SeatUpdate
		if err = json.Unmarshal(env.Data, &v); err == nil {
			c.seatUpdates.emit(v)
		}
	case realtime.TypeBookingConfirmed:
		var v realtime.BookingConfirmed
		if err = json.Unmarshal(env.Data, &v); err == nil {
			c.bookingsLn.emit(v)
		}
	case realtime.TypeTripStatus:
		var v realtime.TripStatus
		if err = json.Unmarshal(env.Data, &v); err == nil {
			c.tripStatus.emit(v)
		}
	case realtime.TypeNotification:
		var v realtime.Notification
		if err = json.Unmarshal(env.Data, &v); err == nil {
			c.notices.emit(v)
		}
	default:
		c.log.WithField("type", env.Type).Debug("channel: unknown frame")
	}
	if err != nil {
		c.log.WithError(err).WithField("type", env.Type).Debug("channel: bad payload")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type listeners[T any] struct {
	mu   sync.Mutex
	fns  map[int]func(T)
	next int
}

func newListeners[T any]() *listeners[T] {
	return &listeners[T]{fns: make(map[int]func(T))}
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Ints(ids)
	for _, id := range ids {
		l.mu.Lock()
		fn, ok := l.fns[id]
		l.mu.Unlock()
		if ok {
			fn(v)
		}
	}
}
