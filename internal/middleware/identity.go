package middleware

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"
)

// SessionHeader carries the storefront's browsing session id.
const SessionHeader = "X-Session-ID"

const (
	keySession = "session_id"
	keyUserID  = "user_id"
	keyRole    = "role"
)

var validSession = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Session copies a well-formed X-Session-ID header into the context.  A
// malformed header is rejected; a missing one is left for handlers that
// need it to refuse.
func Session() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := c.Request().Header.Get(SessionHeader)
			if sid != "" {
				if !validSession.MatchString(sid) {
					return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid session id"})
				}
				c.Set(keySession, sid)
			}
			return next(c)
		}
	}
}

// SessionID returns the caller's session id or "".
func SessionID(c echo.Context) string {
	s, _ := c.Get(keySession).(string)
	return s
}

// UserID returns the authenticated user's id, or nil for guests.
func UserID(c echo.Context) *uint64 {
	var (
		id  uint64
		err error
	)
	switch v := c.Get(keyUserID).(type) {
	case string:
		id, err = strconv.ParseUint(v, 10, 64)
	case float64:
		if v <= 0 {
			return nil
		}
		id = uint64(v)
	default:
		return nil
	}
	if err != nil || id == 0 {
		return nil
	}
	return &id
}

// principal names the caller for rate limiting and cache keys.
func principal(c echo.Context) string {
	if id := UserID(c); id != nil {
		return "user:" + strconv.FormatUint(*id, 10)
	}
	if sid := SessionID(c); sid != "" {
		return "session:" + sid
	}
	return "anon"
}
