// Package router registers the API's routes on an echo instance.
package router

import (
	"net/http" // websocket hub is a plain http.Handler

	"github.com/labstack/echo/v4"                             // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware"           // Echo's stock middleware
	"github.com/prometheus/client_golang/prometheus/promhttp" // /metrics exposition

	"github.com/iliyamo/bus-seat-reservation/internal/auth"       // roles for operator routes
	"github.com/iliyamo/bus-seat-reservation/internal/handler"    // HTTP handlers
	"github.com/iliyamo/bus-seat-reservation/internal/middleware" // session, JWT and caching
)

// New returns an echo instance with the shared middleware installed.  Routes
// are added by the Register functions below so main decides which surfaces
// a process serves.
func New() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// A panicking handler becomes a 500 instead of killing the process.
	e.Use(echomw.Recover())
	// X-Request-Id ties access logs to client reports.
	e.Use(echomw.RequestID())
	// The browser client sends the session header on every call, so CORS must
	// allow it explicitly.
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.SessionHeader},
	}))
	return e
}

// RegisterRoutes registers the health checks and the metrics endpoint.
// They sit outside /v1 and carry no auth so that orchestrators and
// Prometheus can reach them directly.
func RegisterRoutes(e *echo.Echo, ready echo.HandlerFunc) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", ready)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Reservations groups what RegisterReservations needs.
type Reservations struct {
	Handler   *handler.ReservationHandler // storefront endpoints
	Cache     *middleware.ResponseCache   // optional seat map cache
	RateLimit echo.MiddlewareFunc         // optional, applied to lock only
	JWTSecret string                      // empty disables bearer tokens
}

// RegisterReservations registers the storefront endpoints under /v1.
// Guests are allowed; a bearer token, when sent, attributes locks and
// tickets to the user.
func RegisterReservations(e *echo.Echo, r Reservations) {
	// Session first so every handler sees a session id, then the optional
	// token which only annotates the context and never rejects.
	g := e.Group("/v1", middleware.Session(), middleware.OptionalJWT(r.JWTSecret))

	// The seat map is the hottest read; cache it per trip when a cache is
	// configured.  Lock and unlock invalidate it.
	seats := []echo.MiddlewareFunc{}
	if r.Cache != nil {
		seats = append(seats, r.Cache.Middleware())
	}
	g.GET("/trips/:id", r.Handler.Trip)
	g.GET("/trips/:id/seats", r.Handler.SeatLayout, seats...)

	// Only locking is rate limited; it is the call a bot would hammer.
	lock := []echo.MiddlewareFunc{}
	if r.RateLimit != nil {
		lock = append(lock, r.RateLimit)
	}
	g.POST("/tickets/lock", r.Handler.Lock, lock...)
	g.POST("/tickets/unlock", r.Handler.Unlock)
	g.POST("/tickets", r.Handler.CreateTicket)
	g.GET("/tickets/:id", r.Handler.GetTicket)
	g.POST("/tickets/:id/cancel", r.Handler.CancelTicket)
}

// RegisterOperations registers the payment callback and, when jwtSecret is
// set, the operator-only trip status endpoint.
func RegisterOperations(e *echo.Echo, h *handler.OperationsHandler, jwtSecret string) {
	// The gateway authenticates with a shared secret, not a user token.
	e.POST("/v1/payments/callback", h.PaymentCallback)
	if jwtSecret == "" {
		return
	}
	// Operators must present a valid token with an operator or admin role.
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret), middleware.RequireRole(auth.RoleOperator, auth.RoleAdmin))
	g.PUT("/trips/:id/status", h.SetTripStatus)
}

// RegisterRealtime mounts the websocket hub at /v1/ws.  Clients join trip
// and booking rooms after the upgrade.  No auth runs here since the rooms
// only carry public seat and status updates.
func RegisterRealtime(e *echo.Echo, hub http.Handler) {
	e.GET("/v1/ws", echo.WrapHandler(hub))
}
