// Package model holds the types shared by the storefront client and the
// reservation API: trips, seat layouts, seat locks and tickets.  The JSON
// tags are the wire format of the /v1 endpoints and of the real-time
// messages, so renaming a tag is a protocol change.
package model

// TripStatus is the operational state of a scheduled trip.  Operators move
// a trip through these states; every change is broadcast to the trip's
// real-time room as a trip_status message.
type TripStatus string

const (
	TripScheduled TripStatus = "scheduled" // sold, not yet boarding
	TripBoarding  TripStatus = "boarding"  // at the platform; no new locks
	TripDeparted  TripStatus = "departed"  // on the road; the seat map is final
	TripDelayed   TripStatus = "delayed"   // still bookable, DelayMinutes says by how much
	TripCancelled TripStatus = "cancelled" // called off; no new locks
)

// Trip is the subset of a scheduled trip the reservation flow needs.  Route,
// timetable and vehicle data are owned by the scheduling service and are not
// modelled here.
type Trip struct {
	ID           uint64     `json:"tripId"`                 // trips.id
	Status       TripStatus `json:"status"`                 // trips.status
	DelayMinutes *int       `json:"delayMinutes,omitempty"` // trips.delay_minutes, set only while delayed
}

// Bookable reports whether seats on the trip may still be locked.  A delayed
// trip is still sold; boarding, departed and cancelled trips are not.
func (t Trip) Bookable() bool {
	return t.Status == TripScheduled || t.Status == TripDelayed
}
