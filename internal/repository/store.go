package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/service"
)

// Store persists trips, seat locks and tickets in MySQL.  A seat's status is
// never stored: it is booked while a pending or confirmed ticket lists it,
// locked while an unexpired seat_locks row exists, and available otherwise.
type Store struct {
	db *sql.DB
}

var _ service.Store = (*Store)(nil)

// NewStore returns a Store bound to db.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// WithTx runs fn inside a READ COMMITTED transaction carried by ctx.  Every
// Store method called with that ctx joins the transaction; a nested WithTx
// reuses it instead of opening a second one.  fn's error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.db, fn)
}

// q returns the transaction in ctx when there is one, else the pool.
func (s *Store) q(ctx context.Context) querier { return conn(ctx, s.db) }

// inList returns "?,?,?" for len(vals) placeholders plus the args.
func inList[T any](vals []T) (string, []any) {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(vals)), ","), args
}

// Trip returns the trip's status and delay.  service.ErrNotFound is returned
// when no trips row has the given id.
func (s *Store) Trip(ctx context.Context, tripID uint64) (model.Trip, error) {
	var (
		t     model.Trip
		delay sql.NullInt32
	)
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, status, delay_minutes FROM trips WHERE id = ?`, tripID,
	).Scan(&t.ID, &t.Status, &delay)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trip{}, service.ErrNotFound
	}
	if err != nil {
		return model.Trip{}, fmt.Errorf("get trip: %w", err)
	}
	if delay.Valid {
		d := int(delay.Int32)
		t.DelayMinutes = &d
	}
	return t, nil
}

// UpdateTripStatus stores the trip's status.  A nil DelayMinutes clears the
// column; the caller decides when a delay applies.
func (s *Store) UpdateTripStatus(ctx context.Context, trip model.Trip) error {
	var delay any
	if trip.DelayMinutes != nil {
		delay = *trip.DelayMinutes
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE trips SET status = ?, delay_minutes = ? WHERE id = ?`, trip.Status, delay, trip.ID)
	if err != nil {
		return fmt.Errorf("update trip status: %w", err)
	}
	return nil
}

// SeatLayout returns every seat of the trip with its status as of now.  The
// status is derived in one query: a seat listed on a pending or confirmed
// ticket is booked, one with an unexpired lock is locked, anything else is
// available.  LockedByYou is set only when sessionID owns the lock, so the
// same trip renders differently per caller.  Expired locks are not deleted
// here; callers run ExpireLocks first in the same transaction.
func (s *Store) SeatLayout(ctx context.Context, tripID uint64, sessionID string, now time.Time) (model.SeatLayout, error) {
	layout := model.SeatLayout{TripID: tripID}
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT total_decks, grid_rows, grid_columns FROM trips WHERE id = ?`, tripID,
	).Scan(&layout.TotalDecks, &layout.GridRows, &layout.GridColumns)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SeatLayout{}, service.ErrNotFound
	}
	if err != nil {
		return model.SeatLayout{}, fmt.Errorf("get trip grid: %w", err)
	}

	// booked wins over locked: a lock row can outlive the ticket that
	// consumed it only if a delete failed, and the ticket is authoritative
	const query = `
SELECT s.id, s.seat_code, s.deck, s.seat_row, s.seat_col, s.price,
       b.seat_code IS NOT NULL AS booked,
       l.session_id
FROM trip_seats s
LEFT JOIN (
	SELECT DISTINCT ts.seat_code
	FROM ticket_seats ts
	JOIN tickets t ON t.id = ts.ticket_id
	WHERE ts.trip_id = ? AND t.status IN ('pending', 'confirmed')
) b ON b.seat_code = s.seat_code
LEFT JOIN seat_locks l ON l.trip_id = s.trip_id AND l.seat_code = s.seat_code AND l.expires_at > ?
WHERE s.trip_id = ?
ORDER BY s.deck, s.seat_row, s.seat_col`

	rows, err := s.q(ctx).QueryContext(ctx, query, tripID, now.UTC(), tripID)
	if err != nil {
		return model.SeatLayout{}, fmt.Errorf("list seats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seat   model.Seat
			booked bool
			holder sql.NullString
		)
		if err := rows.Scan(&seat.SeatID, &seat.SeatCode, &seat.Deck, &seat.Row, &seat.Col, &seat.Price, &booked, &holder); err != nil {
			return model.SeatLayout{}, fmt.Errorf("scan seat: %w", err)
		}
		switch {
		case booked:
			seat.Status = model.SeatBooked
		case holder.Valid:
			seat.Status = model.SeatLocked
			// an empty session never matches, guests without a header see plain locks
			seat.LockedByYou = sessionID != "" && holder.String == sessionID
		default:
			seat.Status = model.SeatAvailable
		}
		layout.Seats = append(layout.Seats, seat)
	}
	return layout, rows.Err()
}

// SeatPrices maps each requested seat code that exists on the trip to its
// price in minor units.  Unknown codes are simply absent from the map, which
// is how the service detects invalid seats.
func (s *Store) SeatPrices(ctx context.Context, tripID uint64, codes []string) (map[string]int64, error) {
	out := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	in, args := inList(codes)
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT seat_code, price FROM trip_seats WHERE trip_id = ? AND seat_code IN (`+in+`)`,
		append([]any{tripID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("seat prices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			code  string
			price int64
		)
		if err := rows.Scan(&code, &price); err != nil {
			return nil, err
		}
		out[code] = price
	}
	return out, rows.Err()
}

// BookedSeats returns the subset of codes listed on a pending or confirmed
// ticket for the trip.  Cancelled tickets no longer hold their seats.
func (s *Store) BookedSeats(ctx context.Context, tripID uint64, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	in, args := inList(codes)
	return s.codes(ctx, `
SELECT DISTINCT ts.seat_code
FROM ticket_seats ts
JOIN tickets t ON t.id = ts.ticket_id
WHERE ts.trip_id = ? AND t.status IN ('pending', 'confirmed') AND ts.seat_code IN (`+in+`)`,
		append([]any{tripID}, args...)...)
}

// ExpireLocks deletes the trip's locks whose expires_at is at or before now
// and returns the released seat codes, sorted.  The rows are read FOR UPDATE
// so two sweeps of the same trip cannot both report the same seats.  The
// caller supplies the transaction through ctx and must notify viewers of the
// released seats after commit.
func (s *Store) ExpireLocks(ctx context.Context, tripID uint64, now time.Time) ([]string, error) {
	codes, err := s.codes(ctx,
		`SELECT seat_code FROM seat_locks WHERE trip_id = ? AND expires_at <= ? ORDER BY seat_code FOR UPDATE`,
		tripID, now.UTC())
	// nothing expired; skip the delete round trip
	if err != nil || len(codes) == 0 {
		return codes, err
	}
	if _, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM seat_locks WHERE trip_id = ? AND expires_at <= ?`, tripID, now.UTC()); err != nil {
		return nil, fmt.Errorf("delete expired locks: %w", err)
	}
	return codes, nil
}

// TripsWithExpiredLocks lists trips that have at least one lock past its
// expiry.  The sweeper walks these one by one so each trip's release is its
// own transaction and its own seat_update broadcast.
func (s *Store) TripsWithExpiredLocks(ctx context.Context, now time.Time) ([]uint64, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT DISTINCT trip_id FROM seat_locks WHERE expires_at <= ? ORDER BY trip_id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list trips with expired locks: %w", err)
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveLocks returns the unexpired locks on the given seats, whoever owns
// them.  The rows are locked FOR UPDATE so a concurrent lock or ticket
// request on the same seats waits for this transaction to finish.
func (s *Store) ActiveLocks(ctx context.Context, tripID uint64, codes []string, now time.Time) ([]model.SeatLock, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	in, args := inList(codes)
	rows, err := s.q(ctx).QueryContext(ctx, `
SELECT id, trip_id, seat_code, session_id, user_id, locked_at, expires_at
FROM seat_locks
WHERE trip_id = ? AND seat_code IN (`+in+`) AND expires_at > ?
FOR UPDATE`,
		append(append([]any{tripID}, args...), now.UTC())...)
	if err != nil {
		return nil, fmt.Errorf("active locks: %w", err)
	}
	defer rows.Close()
	var out []model.SeatLock
	for rows.Next() {
		var (
			l    model.SeatLock
			user sql.NullInt64
		)
		if err := rows.Scan(&l.ID, &l.TripID, &l.SeatCode, &l.SessionID, &user, &l.LockedAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		if user.Valid {
			uid := uint64(user.Int64)
			l.UserID = &uid
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CreateLocks inserts all locks in a single statement.  The UNIQUE key on
// (trip_id, seat_code) makes the insert fail as a whole when another session
// won the race for any of the seats; that failure is reported as
// service.ErrLockConflict so the caller can roll back and answer 409.
func (s *Store) CreateLocks(ctx context.Context, locks []model.SeatLock) error {
	if len(locks) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO seat_locks (trip_id, seat_code, session_id, user_id, locked_at, expires_at) VALUES `)
	for i, l := range locks {
		if i > 0 {
			sb.WriteString(", ")
		}
		// timestamps are stored in UTC, the DSN reads them back as UTC
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, l.TripID, l.SeatCode, l.SessionID, nullableID(l.UserID), l.LockedAt.UTC(), l.ExpiresAt.UTC())
	}
	if _, err := s.q(ctx).ExecContext(ctx, sb.String(), args...); err != nil {
		if isDuplicate(err) {
			return service.ErrLockConflict
		}
		return fmt.Errorf("insert locks: %w", err)
	}
	return nil
}

// DeleteLocks removes the session's locks on codes and returns the seat
// codes that were actually released.  Seats locked by another session, or
// not locked at all, are left alone, which makes unlocking someone else's
// seat a harmless no-op.
func (s *Store) DeleteLocks(ctx context.Context, tripID uint64, sessionID string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	in, args := inList(codes)
	where := `trip_id = ? AND session_id = ? AND seat_code IN (` + in + `)`
	all := append([]any{tripID, sessionID}, args...)
	held, err := s.codes(ctx, `SELECT seat_code FROM seat_locks WHERE `+where+` ORDER BY seat_code FOR UPDATE`, all...)
	if err != nil || len(held) == 0 {
		return held, err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM seat_locks WHERE `+where, all...); err != nil {
		return nil, fmt.Errorf("delete locks: %w", err)
	}
	return held, nil
}

// CreateTicket inserts the ticket and its seats and fills in TicketID.  The
// caller has already removed the session's locks in the same transaction, so
// the seats move from locked to booked atomically.
func (s *Store) CreateTicket(ctx context.Context, t *model.Ticket) error {
	res, err := s.q(ctx).ExecContext(ctx, `
INSERT INTO tickets (ticket_code, trip_id, status, contact_name, contact_email, contact_phone,
                     is_guest_checkout, session_id, user_id, pickup_id, dropoff_id, total_price,
                     created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TicketCode, t.TripID, t.Status, t.ContactName, t.ContactEmail, t.ContactPhone,
		t.IsGuestCheckout, t.SessionID, nullableID(t.UserID), t.PickupID, t.DropoffID, t.TotalPrice,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("ticket id: %w", err)
	}
	t.TicketID = uint64(id)

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`INSERT INTO ticket_seats (ticket_id, trip_id, seat_code) VALUES `)
	for i, code := range t.Seats {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, t.TicketID, t.TripID, code)
	}
	if _, err := s.q(ctx).ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert ticket seats: %w", err)
	}
	return nil
}

// ticketColumns is the column list scanTickets expects, in order.
const ticketColumns = `id, ticket_code, trip_id, status, contact_name, contact_email, contact_phone,
       is_guest_checkout, session_id, user_id, pickup_id, dropoff_id, total_price, created_at, updated_at`

// Ticket returns the ticket with its seats, or service.ErrNotFound.
func (s *Store) Ticket(ctx context.Context, ticketID uint64) (model.Ticket, error) {
	return s.ticket(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, ticketID)
}

// TicketByCode looks a ticket up by its public code, as sent by the payment
// gateway.
func (s *Store) TicketByCode(ctx context.Context, code string) (model.Ticket, error) {
	return s.ticket(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_code = ?`, code)
}

// ticket runs a single-ticket query and loads the seat list.
func (s *Store) ticket(ctx context.Context, query string, args ...any) (model.Ticket, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("get ticket: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return model.Ticket{}, err
	}
	if len(tickets) == 0 {
		return model.Ticket{}, service.ErrNotFound
	}
	t := tickets[0]
	if err := s.loadSeats(ctx, &t); err != nil {
		return model.Ticket{}, err
	}
	return t, nil
}

// UpdateTicketStatus moves the ticket to status.  Transition rules live in
// the service; this only writes.
func (s *Store) UpdateTicketStatus(ctx context.Context, ticketID uint64, status model.TicketStatus, at time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, status, at.UTC(), ticketID)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return service.ErrNotFound
	}
	return nil
}

// PendingTicketsBefore lists pending tickets created before the cut-off,
// oldest first.  These are the unpaid tickets the sweeper cancels.
func (s *Store) PendingTicketsBefore(ctx context.Context, before time.Time) ([]model.Ticket, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = 'pending' AND created_at < ? ORDER BY created_at`,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending tickets: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return nil, err
	}
	for i := range tickets {
		if err := s.loadSeats(ctx, &tickets[i]); err != nil {
			return nil, err
		}
	}
	return tickets, nil
}

// scanTickets reads rows selected with ticketColumns and closes them.  Seats
// are loaded separately by the caller.
func scanTickets(rows *sql.Rows) ([]model.Ticket, error) {
	defer rows.Close()
	var out []model.Ticket
	for rows.Next() {
		var (
			t    model.Ticket
			user sql.NullInt64
		)
		if err := rows.Scan(&t.TicketID, &t.TicketCode, &t.TripID, &t.Status, &t.ContactName, &t.ContactEmail,
			&t.ContactPhone, &t.IsGuestCheckout, &t.SessionID, &user, &t.PickupID, &t.DropoffID, &t.TotalPrice,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		if user.Valid {
			uid := uint64(user.Int64)
			t.UserID = &uid
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// loadSeats fills t.Seats from ticket_seats, sorted by code.
func (s *Store) loadSeats(ctx context.Context, t *model.Ticket) error {
	seats, err := s.codes(ctx, `SELECT seat_code FROM ticket_seats WHERE ticket_id = ? ORDER BY seat_code`, t.TicketID)
	if err != nil {
		return fmt.Errorf("load ticket seats: %w", err)
	}
	t.Seats = seats
	return nil
}

// codes runs a query returning a single string column.
func (s *Store) codes(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// nullableID maps a nil user id to SQL NULL for guests.
func nullableID(id *uint64) any {
	if id == nil {
		return nil
	}
	return *id
}
