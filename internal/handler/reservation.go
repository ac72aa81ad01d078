// Package handler contains the echo handlers of the reservation API.  Every
// handler follows the same shape: parse path and body, call the service,
// and map the result onto JSON.  Business rules live in package service;
// handlers only translate between HTTP and the service's inputs and errors.
package handler

import (
	"net/http" // HTTP status codes
	"strconv"  // parsing path parameters
	"time"     // lock timestamps in responses

	"github.com/labstack/echo/v4" // Echo web framework
	"github.com/sirupsen/logrus"  // request failure logging

	"github.com/iliyamo/bus-seat-reservation/internal/middleware" // session and user id accessors
	"github.com/iliyamo/bus-seat-reservation/internal/service"    // business rules and errors
)

// ReservationHandler serves seat layouts, seat locks and tickets.  Callers
// are identified by the X-Session-ID header (or the sessionId body field)
// and, when a bearer token was presented, by user id.
type ReservationHandler struct {
	svc *service.ReservationService // all reads and writes go through the service
	log logrus.FieldLogger          // logs unexpected failures only
}

// NewReservationHandler returns a handler over svc.  A nil service is a
// wiring bug and panics at startup rather than on the first request.
func NewReservationHandler(svc *service.ReservationService, log logrus.FieldLogger) *ReservationHandler {
	if svc == nil {
		panic("nil service passed to NewReservationHandler")
	}
	return &ReservationHandler{svc: svc, log: log}
}

// pathID parses the :id path parameter.  Zero is rejected because ids start
// at one in every table.
func pathID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// session prefers the header over a body field.
func session(c echo.Context, body string) string {
	if sid := middleware.SessionID(c); sid != "" {
		return sid
	}
	return body
}

// caller identifies the requester for ownership checks: the session always,
// the user when a valid bearer token was sent.
func (h *ReservationHandler) caller(c echo.Context) service.Caller {
	return service.Caller{SessionID: middleware.SessionID(c), UserID: middleware.UserID(c)}
}

// SeatLayout handles GET /v1/trips/:id/seats.  It returns the bus's seat
// map with each seat's status as of now: available, locked or booked, and
// LockedByYou for seats held by the caller's session.  Responses: 200 with
// the layout, 400 for a bad id, 404 for an unknown trip.
func (h *ReservationHandler) SeatLayout(c echo.Context) error {
	// parse trip id
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	// the session id only decides LockedByYou; guests without one still get
	// the map
	layout, err := h.svc.SeatLayout(c.Request().Context(), tripID, middleware.SessionID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, layout)
}

// Trip handles GET /v1/trips/:id.  It reports the trip's operational state
// (scheduled, boarding, delayed and so on) which storefronts show next to
// the seat map.
func (h *ReservationHandler) Trip(c echo.Context) error {
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	trip, err := h.svc.Trip(c.Request().Context(), tripID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, trip)
}

// seatsRequest is the body of both lock and unlock.
type seatsRequest struct {
	TripID    uint64   `json:"tripId"`    // required
	Seats     []string `json:"seats"`     // seat codes such as "A1"
	SessionID string   `json:"sessionId"` // fallback when the header is missing
}

// lockResponse echoes the granted seats and the server's timestamps.  The
// client anchors its countdown on LockedAt, never on its own clock.
type lockResponse struct {
	Success   bool      `json:"success"`   // always true; failures use the error body
	Message   string    `json:"message"`   // human readable summary
	Seats     []string  `json:"seats"`     // normalised codes now held by the session
	LockedAt  time.Time `json:"lockedAt"`  // earliest lock time among Seats
	ExpiresAt time.Time `json:"expiresAt"` // LockedAt plus the hold duration
}

// Lock handles POST /v1/tickets/lock.  It holds the requested seats for the
// caller's session for the hold duration.  Responses: 200 with the lock
// timestamps, 400 for a malformed body or missing session, 409 with the
// unavailable seats when any seat is booked or held by someone else, and
// 409 when the trip no longer takes bookings.
func (h *ReservationHandler) Lock(c echo.Context) error {
	// Decode the body; seat codes are normalised and validated by the service.
	var req seatsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.TripID == 0 {
		return badRequest(c, "tripId is required")
	}
	// All seats are locked or none are.  On contention the 409 body lists
	// the seats that were taken so the client can reset its selection.
	res, err := h.svc.Lock(c.Request().Context(), service.LockInput{
		TripID:    req.TripID,
		Seats:     req.Seats,
		SessionID: session(c, req.SessionID),
		UserID:    middleware.UserID(c),
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, lockResponse{
		Success:   true,
		Message:   "seats locked",
		Seats:     res.Seats,
		LockedAt:  res.LockedAt,
		ExpiresAt: res.ExpiresAt,
	})
}

// Unlock handles POST /v1/tickets/unlock.  Seats the session does not hold
// are ignored.  The response lists the seats that were actually released so
// the client can drop them from its selection.
func (h *ReservationHandler) Unlock(c echo.Context) error {
	// bind request body
	var req seatsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.TripID == 0 {
		return badRequest(c, "tripId is required")
	}
	// Unlocking is idempotent: seats already released, expired or held by
	// someone else are skipped and the call still succeeds.
	released, err := h.svc.Unlock(c.Request().Context(), service.UnlockInput{
		TripID:    req.TripID,
		Seats:     req.Seats,
		SessionID: session(c, req.SessionID),
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":  true,
		"message":  "seats unlocked",
		"released": released,
	})
}

// createTicketRequest is the checkout form plus the seats being bought.
type createTicketRequest struct {
	TripID          uint64   `json:"tripId"`          // required
	Seats           []string `json:"seats"`           // must all be locked by the session
	ContactName     string   `json:"contactName"`     // required
	ContactEmail    string   `json:"contactEmail"`    // email or phone is required
	ContactPhone    string   `json:"contactPhone"`    // email or phone is required
	IsGuestCheckout bool     `json:"isGuestCheckout"` // forced true without a token
	SessionID       string   `json:"sessionId"`       // fallback when the header is missing
	PickupID        uint64   `json:"pickupId"`        // boarding stop
	DropoffID       uint64   `json:"dropoffId"`       // alighting stop
}

// CreateTicket handles POST /v1/tickets.  It converts the session's locks
// into a pending ticket priced from the trip's seat prices.  Responses: 201
// with the ticket, 400 for an invalid contact form, 409 when a seat was
// taken, and 410 when the hold lapsed before checkout.
func (h *ReservationHandler) CreateTicket(c echo.Context) error {
	// bind request body
	var req createTicketRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.TripID == 0 {
		return badRequest(c, "tripId is required")
	}
	// An unauthenticated request is always a guest checkout, whatever the
	// body claims.
	userID := middleware.UserID(c)
	ticket, err := h.svc.CreateTicket(c.Request().Context(), service.CreateTicketInput{
		TripID:          req.TripID,
		Seats:           req.Seats,
		ContactName:     req.ContactName,
		ContactEmail:    req.ContactEmail,
		ContactPhone:    req.ContactPhone,
		IsGuestCheckout: req.IsGuestCheckout || userID == nil,
		SessionID:       session(c, req.SessionID),
		UserID:          userID,
		PickupID:        req.PickupID,
		DropoffID:       req.DropoffID,
	})
	if err != nil {
		return fail(c, h.log, err)
	}
	// The ticket is pending; payment is confirmed later through the callback
	// and pushed to the booking room.
	return c.JSON(http.StatusCreated, ticket)
}

// GetTicket handles GET /v1/tickets/:id.  Only the session or user that
// created the ticket may read it.
func (h *ReservationHandler) GetTicket(c echo.Context) error {
	// parse ticket id
	id, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid ticket id")
	}
	// Load first, then check ownership, so an unknown id is a 404 for
	// everyone and a foreign id is a 403.
	ticket, err := h.svc.GetTicket(c.Request().Context(), id)
	if err != nil {
		return fail(c, h.log, err)
	}
	if !h.caller(c).Owns(ticket) {
		return fail(c, h.log, service.ErrForbidden)
	}
	return c.JSON(http.StatusOK, ticket)
}

// CancelTicket handles POST /v1/tickets/:id/cancel.  Owners may abandon a
// pending ticket before paying.  Responses: 200 with the released seats,
// 403 for someone else's ticket, 404 for an unknown id and 409 when the
// ticket is already confirmed or cancelled.
func (h *ReservationHandler) CancelTicket(c echo.Context) error {
	id, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid ticket id")
	}
	// Only pending tickets can be cancelled; the released seats are
	// broadcast to the trip room by the service.
	res, err := h.svc.CancelTicket(c.Request().Context(), id, h.caller(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, res)
}
