package handler

import (
	"context"  // ping deadline
	"net/http" // HTTP status codes
	"time"     // ping timeout

	"github.com/labstack/echo/v4" // Echo web framework
)

// Health answers the liveness check.  It touches no dependency, so it stays
// green while MySQL or Redis are down; use Ready for that.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ready reports 503 until every dependency answers a ping.  Nil entries are
// skipped so optional backends can be passed unconditionally.
func Ready(deps ...Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// a hung dependency must not hang the check
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		for _, d := range deps {
			if d == nil {
				continue
			}
			if err := d.PingContext(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable", "error": err.Error()})
			}
		}
		return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
	}
}
