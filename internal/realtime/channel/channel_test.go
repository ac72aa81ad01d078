package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
)

type env struct {
	hub    *realtime.Hub
	events *realtime.Events
	url    string
}

func setup(t *testing.T) env {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	log, _ := test.NewNullLogger()
	hub := realtime.NewHub(log)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return env{
		hub:    hub,
		events: realtime.NewEvents(hub, log),
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func newChannel(t *testing.T, url string) *Channel {
	t.Helper()
	log, _ := test.NewNullLogger()
	ch := New(url,
		WithLogger(log),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithHeader(http.Header{"X-Session-ID": []string{"sess-1"}}),
	)
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.WaitConnected(ctx))
}

func TestLazyConnect(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, e.hub.Connections())
	assert.False(t, ch.Connected())

	ch.JoinTrip(4)
	waitConnected(t, ch)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(4)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectWithoutSubscriptionsStaysIdle(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)
	ch.Connect()
	waitConnected(t, ch)
	assert.Equal(t, 1, e.hub.Connections())
	trips, bookings := ch.Subscriptions()
	assert.Empty(t, trips)
	assert.Empty(t, bookings)
}

func TestSeatUpdateDeliveredAndUnsubscribed(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)

	var mu sync.Mutex
	var got []realtime.SeatUpdate
	unsubscribe := ch.OnSeatUpdate(func(u realtime.SeatUpdate) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	ch.JoinTrip(9)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(9)) == 1 }, 2*time.Second, 10*time.Millisecond)

	e.events.SeatsChanged(9, []string{"B2"}, model.SeatBooked)
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, uint64(9), got[0].TripID)
	assert.Equal(t, []string{"B2"}, got[0].Seats)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	e.events.SeatsChanged(9, []string{"B3"}, model.SeatBooked)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, count())
}

func TestReferenceCountedRooms(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)

	ch.JoinTrip(1)
	ch.JoinTrip(1)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(1)) == 1 }, 2*time.Second, 10*time.Millisecond)

	ch.LeaveTrip(1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, e.hub.RoomSize(realtime.TripRoom(1)), "one surface still shows the trip")

	ch.LeaveTrip(1)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(1)) == 0 }, 2*time.Second, 10*time.Millisecond)

	ch.LeaveTrip(1) // extra leave is a no-op
	trips, _ := ch.Subscriptions()
	assert.Empty(t, trips)
}

func TestReconnectReplaysRegistry(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)

	reconnects := make(chan struct{}, 4)
	ch.OnConnected(func() { reconnects <- struct{}{} })

	ch.JoinTrip(2)
	ch.JoinTrip(3)
	ch.SubscribeBooking("BUS-42")
	ch.LeaveTrip(3)

	inRooms := func() bool {
		return e.hub.RoomSize(realtime.TripRoom(2)) == 1 &&
			e.hub.RoomSize(realtime.BookingRoom("BUS-42")) == 1 &&
			e.hub.RoomSize(realtime.TripRoom(3)) == 0
	}
	require.Eventually(t, inRooms, 2*time.Second, 10*time.Millisecond)
	<-reconnects

	e.hub.DisconnectAll()
	select {
	case <-reconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not reconnect")
	}
	require.Eventually(t, inRooms, 2*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	var confirmed []realtime.BookingConfirmed
	ch.OnBookingConfirmed(func(b realtime.BookingConfirmed) {
		mu.Lock()
		confirmed = append(confirmed, b)
		mu.Unlock()
	})
	e.events.BookingSettled("BUS-42", model.TicketConfirmed)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(confirmed) == 1 && confirmed[0].TicketCode == "BUS-42"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTripStatusAndNotification(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)

	statuses := make(chan realtime.TripStatus, 1)
	notices := make(chan realtime.Notification, 1)
	ch.OnTripStatus(func(s realtime.TripStatus) { statuses <- s })
	ch.OnNotification(func(n realtime.Notification) { notices <- n })

	ch.JoinTrip(6)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(6)) == 1 }, 2*time.Second, 10*time.Millisecond)

	e.events.TripChanged(model.Trip{ID: 6, Status: model.TripCancelled})
	e.events.Notify(realtime.TripRoom(6), realtime.Notification{Title: "Trip cancelled", Message: "refund issued"})

	select {
	case s := <-statuses:
		assert.Equal(t, model.TripCancelled, s.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no trip_status")
	}
	select {
	case n := <-notices:
		assert.Equal(t, "Trip cancelled", n.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

func TestDialFailureRetriesUntilServerUp(t *testing.T) {
	e := setup(t)
	// nothing listens on this path's handler until mux switches over
	var mu sync.Mutex
	up := false
	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := up
		mu.Unlock()
		if !ok {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		e.hub.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ch := newChannel(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	ch.JoinTrip(11)
	time.Sleep(60 * time.Millisecond)
	assert.False(t, ch.Connected())

	mu.Lock()
	up = true
	mu.Unlock()
	waitConnected(t, ch)
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(11)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectStopsLoop(t *testing.T) {
	e := setup(t)
	ch := newChannel(t, e.url)
	ch.JoinTrip(1)
	waitConnected(t, ch)

	ch.Disconnect()
	assert.False(t, ch.Connected())
	require.Eventually(t, func() bool { return e.hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	trips, _ := ch.Subscriptions()
	assert.Equal(t, []uint64{1}, trips)

	ch.Connect()
	require.Eventually(t, func() bool { return e.hub.RoomSize(realtime.TripRoom(1)) == 1 }, 2*time.Second, 10*time.Millisecond)
}
