package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
	maxFrame   = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // storefronts are served from other origins
	},
}

// Broadcaster delivers a frame to every connection in a room.
type Broadcaster interface {
	Broadcast(room string, frame []byte) error
}

// Hub tracks websocket connections and the rooms they joined.  The channel
// is not partitioned on the wire: a connection receives every frame of every
// room it is in, and clients filter by trip themselves.
type Hub struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	conns  map[*conn]struct{}
	rooms  map[string]map[*conn]struct{}
	closed bool
}

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	rooms map[string]struct{} // guarded by Hub.mu
	once  sync.Once
}

// NewHub returns an empty Hub.
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log:   log,
		conns: make(map[*conn]struct{}),
		rooms: make(map[string]map[*conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("realtime: websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, send: make(chan []byte, sendBuffer), rooms: make(map[string]struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()
	h.log.WithField("remote", r.RemoteAddr).Debug("realtime: connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *conn) {
	defer h.drop(c)

	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).Info("realtime: read failed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.log.WithError(err).Debug("realtime: malformed frame ignored")
			continue
		}
		h.handle(c, env)
	}
}

func (h *Hub) handle(c *conn, env Envelope) {
	switch env.Type {
	case TypeJoinTrip, TypeLeaveTrip:
		var ref TripRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.TripID == 0 {
			return
		}
		if env.Type == TypeJoinTrip {
			h.join(c, TripRoom(ref.TripID))
		} else {
			h.leave(c, TripRoom(ref.TripID))
		}
	case TypeSubscribeBooking, TypeUnsubscribeBooking:
		var ref BookingRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.TicketCode == "" {
			return
		}
		if env.Type == TypeSubscribeBooking {
			h.join(c, BookingRoom(ref.TicketCode))
		} else {
			h.leave(c, BookingRoom(ref.TicketCode))
		}
	default:
		h.log.WithField("type", env.Type).Debug("realtime: unknown client frame")
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) join(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// drop unregisters c and closes its send queue, which ends writePump.  The
// queue is closed under the write lock so Broadcast never sends on it after.
func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	_, registered := h.conns[c]
	if registered {
		for room := range c.rooms {
			h.leaveLocked(c, room)
		}
		delete(h.conns, c)
	}
	c.once.Do(func() { close(c.send) })
	h.mu.Unlock()
	if registered {
		metrics.RealtimeConnections.Dec()
	}
}

// Broadcast queues frame for every connection in room.  A connection whose
// queue is full is disconnected; its client reconnects and rejoins.
func (h *Hub) Broadcast(room string, frame []byte) error {
	var slow []*conn
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("room", room).Warn("realtime: slow consumer dropped")
		h.kick(c)
	}
	return nil
}

func (h *Hub) kick(c *conn) {
	h.drop(c)
	_ = c.ws.Close()
}

// RoomSize returns how many connections are in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// DisconnectAll closes every connection without closing the hub; clients
// are expected to reconnect.
func (h *Hub) DisconnectAll() {
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.kick(c)
	}
}

// Close disconnects everyone and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DisconnectAll()
}
