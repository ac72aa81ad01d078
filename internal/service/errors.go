package service

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned for unknown trips and tickets.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionRequired is returned when no session id accompanies a
	// lock, unlock or ticket request.
	ErrSessionRequired = errors.New("session id required")
	// ErrTripClosed is returned when the trip no longer sells seats.
	ErrTripClosed = errors.New("trip is not open for booking")
	// ErrHoldExpired is returned when a ticket is requested for seats whose
	// locks have lapsed.
	ErrHoldExpired = errors.New("seat hold expired")
	// ErrInvalidTransition is returned for a ticket status change the
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid ticket status transition")
	// ErrForbidden is returned when the caller does not own the ticket.
	ErrForbidden = errors.New("forbidden")
	// ErrLockConflict is returned by a Store when a concurrent writer
	// inserted a lock on the same seat first.
	ErrLockConflict = errors.New("seat lock conflict")
)

// UnavailableError lists seats held by another session or already booked.
type UnavailableError struct {
	Seats []string
}

func (e *UnavailableError) Error() string {
	return "seats unavailable: " + strings.Join(e.Seats, ", ")
}

// ValidationError explains why a request was rejected.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

func invalid(msg string) error { return &ValidationError{Msg: msg} }
