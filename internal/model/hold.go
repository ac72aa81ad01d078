package model

import "time"

// HoldDuration is how long a seat lock (and later a pending ticket) keeps its
// seats before the server releases them.
const HoldDuration = 10 * time.Minute

// MaxSelectedSeats caps how many seats one booking may lock at once.
const MaxSelectedSeats = 5

// SeatLock is a server-side temporary hold on one seat of a trip, attributed
// to a browsing session and, when authenticated, a user.
//
// Fields:
//  ID        – seat_locks.id
//  TripID    – trip the seat belongs to
//  SeatCode  – locked seat
//  SessionID – anonymous browsing session that owns the lock
//  UserID    – authenticated user, nil for guests
//  LockedAt  – server time the lock was granted
//  ExpiresAt – LockedAt + HoldDuration
type SeatLock struct {
	ID        uint64    // seat_locks.id
	TripID    uint64    // seat_locks.trip_id
	SeatCode  string    // seat_locks.seat_code, UNIQUE with trip_id
	SessionID string    // seat_locks.session_id
	UserID    *uint64   // seat_locks.user_id
	LockedAt  time.Time // seat_locks.locked_at (UTC)
	ExpiresAt time.Time // seat_locks.expires_at (UTC)
}
