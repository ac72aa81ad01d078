package handler

import (
	"crypto/subtle" // constant time secret comparison
	"net/http"      // HTTP status codes

	"github.com/labstack/echo/v4" // Echo web framework
	"github.com/sirupsen/logrus"  // request failure logging

	"github.com/iliyamo/bus-seat-reservation/internal/model"   // ticket and trip statuses
	"github.com/iliyamo/bus-seat-reservation/internal/service" // business rules and errors
)

// PaymentSecretHeader carries the shared secret on gateway callbacks.
const PaymentSecretHeader = "X-Payment-Secret"

// OperationsHandler serves the payment gateway callback and operator
// updates of trip status.
type OperationsHandler struct {
	svc    *service.ReservationService // applies payments and trip changes
	secret string                      // shared with the payment gateway
	log    logrus.FieldLogger          // logs unexpected failures only
}

// NewOperationsHandler returns a handler.  An empty paymentSecret accepts
// unsigned callbacks.
func NewOperationsHandler(svc *service.ReservationService, paymentSecret string, log logrus.FieldLogger) *OperationsHandler {
	return &OperationsHandler{svc: svc, secret: paymentSecret, log: log}
}

// paymentCallback is the body the gateway posts.  Status is the final
// outcome: confirmed, or cancelled when the payment failed.
type paymentCallback struct {
	TicketCode string             `json:"ticketCode"` // code returned at checkout
	Status     model.TicketStatus `json:"status"`     // "confirmed" or "cancelled"
}

// PaymentCallback handles POST /v1/payments/callback.
//
// Responses: 200 with the new status, 401 on a bad secret, 400 on a
// malformed body, 404 for an unknown code and 409 when the ticket is
// already terminal.
func (h *OperationsHandler) PaymentCallback(c echo.Context) error {
	// Compare in constant time so the secret cannot be guessed byte by byte.
	if h.secret != "" {
		got := c.Request().Header.Get(PaymentSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid payment signature"})
		}
	}
	// bind request body
	var req paymentCallback
	if err := c.Bind(&req); err != nil || req.TicketCode == "" {
		return badRequest(c, "ticketCode and status are required")
	}
	// Confirming consumes the session's locks for the ticket's seats; a
	// repeated callback for a finished ticket is a 409.
	ticket, err := h.svc.ConfirmPayment(c.Request().Context(), req.TicketCode, req.Status)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"ticketCode": ticket.TicketCode, "status": ticket.Status})
}

// tripStatusRequest changes a trip's lifecycle state.  DelayMinutes is only
// meaningful for delayed trips.
type tripStatusRequest struct {
	Status       model.TripStatus `json:"status"`       // new lifecycle state
	DelayMinutes *int             `json:"delayMinutes"` // dropped unless Status is delayed
}

// SetTripStatus handles PUT /v1/trips/:id/status for operators.  It is
// mounted behind the operator and admin role check in the router.
func (h *OperationsHandler) SetTripStatus(c echo.Context) error {
	// parse trip id
	tripID, ok := pathID(c)
	if !ok {
		return badRequest(c, "invalid trip id")
	}
	var req tripStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	// The seat map cache is purged and the trip room hears about the change;
	// existing locks and tickets are left as they are.
	trip, err := h.svc.SetTripStatus(c.Request().Context(), model.Trip{ID: tripID, Status: req.Status, DelayMinutes: req.DelayMinutes})
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(http.StatusOK, trip)
}
