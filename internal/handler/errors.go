package handler

import (
	"errors"   // errors.Is and errors.As against service errors
	"net/http" // HTTP status codes

	"github.com/labstack/echo/v4" // Echo web framework
	"github.com/sirupsen/logrus"  // logging of unexpected failures

	"github.com/iliyamo/bus-seat-reservation/internal/service" // error types and sentinels
)

// fail maps service errors onto HTTP responses.  Unexpected errors are
// logged and reported as 500 without detail.
//
// The mapping is:
//   – UnavailableError     → 409 with the taken seats
//   – ValidationError      → 400
//   – ErrSessionRequired   → 400
//   – ErrNotFound          → 404
//   – ErrTripClosed        → 409
//   – ErrHoldExpired       → 410
//   – ErrInvalidTransition → 409
//   – ErrForbidden         → 403
func fail(c echo.Context, log logrus.FieldLogger, err error) error {
	var (
		unavailable *service.UnavailableError
		validation  *service.ValidationError
	)
	// typed errors first, they carry detail for the body
	switch {
	case errors.As(err, &unavailable):
		return c.JSON(http.StatusConflict, echo.Map{
			"success":     false,
			"error":       "seats_unavailable",
			"message":     "some seats are unavailable",
			"unavailable": unavailable.Seats,
		})
	case errors.As(err, &validation):
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "invalid_request", "message": validation.Msg})
	case errors.Is(err, service.ErrSessionRequired):
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "session_required", "message": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, service.ErrTripClosed):
		return c.JSON(http.StatusConflict, echo.Map{"success": false, "error": "trip_closed", "message": err.Error()})
	case errors.Is(err, service.ErrHoldExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "hold_expired", "message": err.Error()})
	case errors.Is(err, service.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden", "message": err.Error()})
	}
	// anything else is a bug or an outage; the client gets no detail
	log.WithError(err).WithField("path", c.Path()).Error("handler: request failed")
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error", "message": "internal error"})
}

// badRequest reports a malformed request before the service is called.
func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "invalid_request", "message": msg})
}
