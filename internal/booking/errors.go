package booking

import "errors"

var (
	// ErrPickupDropoffRequired is returned by Commit before a route is chosen.
	ErrPickupDropoffRequired = errors.New("please choose a pickup and drop-off point")
	// ErrEmptySelection is returned by Commit with no seats selected.
	ErrEmptySelection = errors.New("please select at least one seat")
	// ErrContactRequired is returned by Finalize without a contact name and a
	// way to reach the passenger.
	ErrContactRequired = errors.New("contact name and email or phone are required")
	// ErrHoldExpired means the seats were released; the user must reselect.
	ErrHoldExpired = errors.New("your seat hold has expired, please select seats again")
	// ErrBusy is returned while a lock or ticket request is in flight.
	ErrBusy = errors.New("a request is already in progress")
	// ErrInvalidState is returned for an action the current state does not allow.
	ErrInvalidState = errors.New("action not allowed in the current booking state")
	// ErrClosed is returned once the surface or flow has been closed.
	ErrClosed = errors.New("booking closed")
)
