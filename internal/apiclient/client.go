// Package apiclient is the storefront's HTTP client for the reservation API.
// It speaks the request/response shapes of the /v1 endpoints and maps error
// responses onto sentinel errors the booking flow can branch on.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

var (
	// ErrSeatUnavailable is wrapped by lock and ticket errors when another
	// session already holds or booked one of the requested seats.
	ErrSeatUnavailable = errors.New("seat unavailable")
	// ErrNotFound is wrapped when the trip or ticket does not exist.
	ErrNotFound = errors.New("not found")
	// ErrHoldExpired is wrapped when the session's locks lapsed before the
	// ticket could be created.
	ErrHoldExpired = errors.New("hold expired")
)

// APIError is a non-successful response from the API.
type APIError struct {
	Status      int
	Message     string
	Unavailable []string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return ErrSeatUnavailable
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrHoldExpired
	}
	return nil
}

// Client calls the reservation API.  Every request carries the session
// identifier in the X-Session-ID header so the server can tell the caller's
// own locks apart from other sessions'.
type Client struct {
	baseURL   string
	http      *http.Client
	sessionID func() string
	token     func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBearerToken attaches an access token to every request when token
// returns a non-empty string.  Guests simply omit it.
func WithBearerToken(token func() string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a Client for the API rooted at baseURL (e.g.
// "http://localhost:8080").  sessionID is consulted on every call.
func New(baseURL string, sessionID func() string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 10 * time.Second},
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the identifier requests are attributed to.
func (c *Client) SessionID() string {
	if c.sessionID == nil {
		return ""
	}
	return c.sessionID()
}

// LockResult is the body of a successful lock response.
type LockResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	LockedAt  time.Time `json:"lockedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type seatsRequest struct {
	TripID    uint64   `json:"tripId"`
	Seats     []string `json:"seats"`
	SessionID string   `json:"sessionId"`
}

// CreateTicketRequest is the body of POST /v1/tickets.  SessionID is filled
// in by the client when left empty.
type CreateTicketRequest struct {
	TripID          uint64   `json:"tripId"`
	Seats           []string `json:"seats"`
	ContactName     string   `json:"contactName"`
	ContactEmail    string   `json:"contactEmail"`
	ContactPhone    string   `json:"contactPhone"`
	IsGuestCheckout bool     `json:"isGuestCheckout"`
	SessionID       string   `json:"sessionId"`
	PickupID        uint64   `json:"pickupId"`
	DropoffID       uint64   `json:"dropoffId"`
}

// GetSeatLayout fetches GET /v1/trips/:id/seats.
func (c *Client) GetSeatLayout(ctx context.Context, tripID uint64) (model.SeatLayout, error) {
	var layout model.SeatLayout
	err := c.do(ctx, http.MethodGet, "/v1/trips/"+strconv.FormatUint(tripID, 10)+"/seats", nil, &layout)
	return layout, err
}

// LockSeats asks the server to hold seats for this session.
func (c *Client) LockSeats(ctx context.Context, tripID uint64, seats []string) (LockResult, error) {
	var res LockResult
	err := c.do(ctx, http.MethodPost, "/v1/tickets/lock", seatsRequest{
		TripID:    tripID,
		Seats:     seats,
		SessionID: c.SessionID(),
	}, &res)
	if err == nil && !res.Success {
		err = &APIError{Status: http.StatusConflict, Message: res.Message}
	}
	return res, err
}

// UnlockSeats releases seats held by this session.
func (c *Client) UnlockSeats(ctx context.Context, tripID uint64, seats []string) error {
	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/tickets/unlock", seatsRequest{
		TripID:    tripID,
		Seats:     seats,
		SessionID: c.SessionID(),
	}, &res)
	if err == nil && !res.Success {
		err = &APIError{Status: http.StatusOK, Message: res.Message}
	}
	return err
}

// CreateTicket converts the session's locked seats into a pending ticket.
func (c *Client) CreateTicket(ctx context.Context, req CreateTicketRequest) (model.Ticket, error) {
	if req.SessionID == "" {
		req.SessionID = c.SessionID()
	}
	var t model.Ticket
	err := c.do(ctx, http.MethodPost, "/v1/tickets", req, &t)
	return t, err
}

// GetTicket fetches GET /v1/tickets/:id.
func (c *Client) GetTicket(ctx context.Context, ticketID uint64) (model.Ticket, error) {
	var t model.Ticket
	err := c.do(ctx, http.MethodGet, "/v1/tickets/"+strconv.FormatUint(ticketID, 10), nil, &t)
	return t, err
}

// CancelTicket cancels a pending ticket.
func (c *Client) CancelTicket(ctx context.Context, ticketID uint64) (model.CancelResult, error) {
	var res model.CancelResult
	err := c.do(ctx, http.MethodPost, "/v1/tickets/"+strconv.FormatUint(ticketID, 10)+"/cancel", nil, &res)
	return res, err
}

type errorBody struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	Unavailable []string `json:"unavailable"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid := c.SessionID(); sid != "" {
		req.Header.Set("X-Session-ID", sid)
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Unavailable: eb.Unavailable}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
