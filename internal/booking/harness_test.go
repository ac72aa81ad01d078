package booking

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/goleak"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/clock"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/seatlayout"
	"github.com/iliyamo/bus-seat-reservation/internal/seattx"
)

var start = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var seatCodes = []string{"A1", "A2", "A3", "A4", "B1", "B2", "B3", "B4"}

type call struct {
	op     string
	tripID uint64
	seats  []string
}

// backend is an in-memory reservation API for a single session.
type backend struct {
	clk *clock.FakeClock

	mu        sync.Mutex
	status    map[uint64]map[string]model.SeatStatus
	mine      map[uint64]map[string]bool
	tickets   map[uint64]model.Ticket
	nextID    uint64
	calls     []call
	layoutErr error
	createErr error
	lockGate  chan struct{}
}

func newBackend(clk *clock.FakeClock, trips ...uint64) *backend {
	b := &backend{
		clk:     clk,
		status:  map[uint64]map[string]model.SeatStatus{},
		mine:    map[uint64]map[string]bool{},
		tickets: map[uint64]model.Ticket{},
	}
	for _, id := range trips {
		b.status[id] = map[string]model.SeatStatus{}
		b.mine[id] = map[string]bool{}
		for _, c := range seatCodes {
			b.status[id][c] = model.SeatAvailable
		}
	}
	return b
}

func (b *backend) GetSeatLayout(ctx context.Context, tripID uint64) (model.SeatLayout, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.layoutErr != nil {
		return model.SeatLayout{}, b.layoutErr
	}
	st, ok := b.status[tripID]
	if !ok {
		return model.SeatLayout{}, &apiclient.APIError{Status: http.StatusNotFound}
	}
	layout := model.SeatLayout{TripID: tripID, TotalDecks: 1, GridRows: 2, GridColumns: 4}
	for i, code := range seatCodes {
		layout.Seats = append(layout.Seats, model.Seat{
			SeatID:      uint64(i + 1),
			SeatCode:    code,
			Deck:        1,
			Row:         i / 4,
			Col:         i % 4,
			Status:      st[code],
			Price:       1500,
			LockedByYou: st[code] == model.SeatLocked && b.mine[tripID][code],
		})
	}
	return layout, nil
}

func (b *backend) LockSeats(ctx context.Context, tripID uint64, seats []string) (apiclient.LockResult, error) {
	b.mu.Lock()
	gate := b.lockGate
	b.calls = append(b.calls, call{"lock", tripID, slices.Clone(seats)})
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var taken []string
	for _, s := range seats {
		st := b.status[tripID][s]
		if st == model.SeatBooked || (st == model.SeatLocked && !b.mine[tripID][s]) {
			taken = append(taken, s)
		}
	}
	if len(taken) > 0 {
		return apiclient.LockResult{}, &apiclient.APIError{Status: http.StatusConflict, Message: "seats taken", Unavailable: taken}
	}
	for _, s := range seats {
		b.status[tripID][s] = model.SeatLocked
		b.mine[tripID][s] = true
	}
	now := b.clk.Now()
	return apiclient.LockResult{Success: true, LockedAt: now, ExpiresAt: now.Add(model.HoldDuration)}, nil
}

func (b *backend) UnlockSeats(ctx context.Context, tripID uint64, seats []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{"unlock", tripID, slices.Clone(seats)})
	for _, s := range seats {
		if b.mine[tripID][s] && b.status[tripID][s] == model.SeatLocked {
			b.status[tripID][s] = model.SeatAvailable
			delete(b.mine[tripID], s)
		}
	}
	return nil
}

func (b *backend) CreateTicket(ctx context.Context, req apiclient.CreateTicketRequest) (model.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{"create", req.TripID, slices.Clone(req.Seats)})
	if b.createErr != nil {
		return model.Ticket{}, b.createErr
	}
	for _, s := range req.Seats {
		if !b.mine[req.TripID][s] {
			return model.Ticket{}, &apiclient.APIError{Status: http.StatusConflict, Unavailable: []string{s}}
		}
	}
	for _, s := range req.Seats {
		b.status[req.TripID][s] = model.SeatBooked
		delete(b.mine[req.TripID], s)
	}
	b.nextID++
	now := b.clk.Now()
	tk := model.Ticket{
		TicketID:     b.nextID,
		TicketCode:   fmt.Sprintf("BUS-%04d", b.nextID),
		TripID:       req.TripID,
		Status:       model.TicketPending,
		Seats:        slices.Clone(req.Seats),
		ContactName:  req.ContactName,
		ContactEmail: req.ContactEmail,
		PickupID:     req.PickupID,
		DropoffID:    req.DropoffID,
		TotalPrice:   int64(len(req.Seats)) * 1500,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.tickets[tk.TicketID] = tk
	return tk, nil
}

func (b *backend) GetTicket(ctx context.Context, ticketID uint64) (model.Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{op: "get"})
	tk, ok := b.tickets[ticketID]
	if !ok {
		return model.Ticket{}, &apiclient.APIError{Status: http.StatusNotFound}
	}
	return tk, nil
}

func (b *backend) CancelTicket(ctx context.Context, ticketID uint64) (model.CancelResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tk := b.tickets[ticketID]
	b.calls = append(b.calls, call{"cancel", tk.TripID, tk.Seats})
	tk.Status = model.TicketCancelled
	b.tickets[ticketID] = tk
	for _, s := range tk.Seats {
		b.status[tk.TripID][s] = model.SeatAvailable
	}
	return model.CancelResult{TicketID: ticketID, Status: tk.Status, ReleasedSeats: tk.Seats}, nil
}

func (b *backend) settle(ticketID uint64, status model.TicketStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tk := b.tickets[ticketID]
	tk.Status = status
	b.tickets[ticketID] = tk
}

// take marks seats as held by another session.
func (b *backend) take(tripID uint64, seats ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range seats {
		b.status[tripID][s] = model.SeatLocked
	}
}

func (b *backend) byOp(op string) []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []call
	for _, c := range b.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (b *backend) ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		out = append(out, fmt.Sprintf("%s:%d", c.op, c.tripID))
	}
	return out
}

// fakeRealtime records room membership and lets tests push frames.
type fakeRealtime struct {
	mu        sync.Mutex
	trips     map[uint64]int
	bookings  map[string]int
	next      int
	seat      map[int]func(realtime.SeatUpdate)
	confirmed map[int]func(realtime.BookingConfirmed)
	status    map[int]func(realtime.TripStatus)
	notices   map[int]func(realtime.Notification)
	connected map[int]func()
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{
		trips:     map[uint64]int{},
		bookings:  map[string]int{},
		seat:      map[int]func(realtime.SeatUpdate){},
		confirmed: map[int]func(realtime.BookingConfirmed){},
		status:    map[int]func(realtime.TripStatus){},
		notices:   map[int]func(realtime.Notification){},
		connected: map[int]func(){},
	}
}

func (r *fakeRealtime) JoinTrip(id uint64) { r.mu.Lock(); r.trips[id]++; r.mu.Unlock() }

func (r *fakeRealtime) LeaveTrip(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trips[id]--; r.trips[id] <= 0 {
		delete(r.trips, id)
	}
}

func (r *fakeRealtime) SubscribeBooking(code string) { r.mu.Lock(); r.bookings[code]++; r.mu.Unlock() }

func (r *fakeRealtime) UnsubscribeBooking(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bookings[code]--; r.bookings[code] <= 0 {
		delete(r.bookings, code)
	}
}

func register[T any](r *fakeRealtime, m map[int]T, fn T) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	m[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(m, id)
		r.mu.Unlock()
	}
}

func snapshot[T any](r *fakeRealtime, m map[int]T) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (r *fakeRealtime) OnSeatUpdate(fn func(realtime.SeatUpdate)) func() {
	return register(r, r.seat, fn)
}

func (r *fakeRealtime) OnBookingConfirmed(fn func(realtime.BookingConfirmed)) func() {
	return register(r, r.confirmed, fn)
}

func (r *fakeRealtime) OnTripStatus(fn func(realtime.TripStatus)) func() {
	return register(r, r.status, fn)
}

func (r *fakeRealtime) OnNotification(fn func(realtime.Notification)) func() {
	return register(r, r.notices, fn)
}

func (r *fakeRealtime) OnConnected(fn func()) func() { return register(r, r.connected, fn) }

func (r *fakeRealtime) seatUpdate(u realtime.SeatUpdate) {
	for _, fn := range snapshot(r, r.seat) {
		fn(u)
	}
}

func (r *fakeRealtime) bookingConfirmed(b realtime.BookingConfirmed) {
	for _, fn := range snapshot(r, r.confirmed) {
		fn(b)
	}
}

func (r *fakeRealtime) tripStatus(t realtime.TripStatus) {
	for _, fn := range snapshot(r, r.status) {
		fn(t)
	}
}

func (r *fakeRealtime) notify(n realtime.Notification) {
	for _, fn := range snapshot(r, r.notices) {
		fn(n)
	}
}

func (r *fakeRealtime) reconnect() {
	for _, fn := range snapshot(r, r.connected) {
		fn()
	}
}

func (r *fakeRealtime) inTrip(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trips[id] > 0
}

func (r *fakeRealtime) inBooking(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bookings[code] > 0
}

func (r *fakeRealtime) listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seat) + len(r.confirmed) + len(r.status) + len(r.notices) + len(r.connected)
}

type harness struct {
	clk   *clock.FakeClock
	be    *backend
	cache *seatlayout.Cache
	tx    *seattx.Manager
	rt    *fakeRealtime
	deps  Deps
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	log, _ := test.NewNullLogger()
	clk := clock.Fake(start)
	be := newBackend(clk, 1, 2)
	cache := seatlayout.New(be, seatlayout.WithClock(clk), seatlayout.WithLogger(log))
	tx := seattx.NewManager(be, cache, seattx.WithClock(clk), seattx.WithLogger(log))
	rt := newFakeRealtime()
	h := &harness{
		clk:   clk,
		be:    be,
		cache: cache,
		tx:    tx,
		rt:    rt,
		deps:  Deps{Layouts: cache, Tx: tx, Tickets: be, Realtime: rt, Clock: clk, Log: log},
	}
	h.coord = NewCoordinator(h.deps)
	t.Cleanup(func() { h.coord.Shutdown(context.Background()) })
	return h
}

// open returns a surface for tripID with a route set and seats toggled on.
func (h *harness) open(t *testing.T, tripID uint64, hooks Hooks, seats ...string) *Surface {
	t.Helper()
	s := h.coord.Open(context.Background(), tripID, hooks)
	if err := s.Flow().SetRoute(10, 20); err != nil {
		t.Fatalf("set route: %v", err)
	}
	for _, code := range seats {
		if _, err := s.Toggle(context.Background(), code); err != nil {
			t.Fatalf("toggle %s: %v", code, err)
		}
	}
	return s
}

var contact = Contact{Name: "Ada Lovelace", Email: "ada@example.com"}
