package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
)

const secret = "test-secret"

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func serve(e *echo.Echo, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func whoami(c echo.Context) error {
	out := echo.Map{"session": SessionID(c), "principal": principal(c)}
	if id := UserID(c); id != nil {
		out["user"] = *id
	}
	return c.JSON(http.StatusOK, out)
}

func TestSessionHeader(t *testing.T) {
	e := echo.New()
	e.Use(Session())
	e.GET("/me", whoami)

	rec := serve(e, http.MethodGet, "/me", map[string]string{SessionHeader: "3f2a9c1e-0b7d-4d8e-9a51-6c2f1e0b9d44"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"principal":"session:3f2a9c1e-0b7d-4d8e-9a51-6c2f1e0b9d44"`)

	rec = serve(e, http.MethodGet, "/me", map[string]string{SessionHeader: "bad id!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(e, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"principal":"anon"`)
}

func TestOptionalJWTLetsGuestsThrough(t *testing.T) {
	e := echo.New()
	e.Use(Session(), OptionalJWT(secret))
	e.GET("/me", whoami)

	rec := serve(e, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"user"`)

	rec = serve(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + token(t, jwt.MapClaims{"sub": "42", "role": "customer"})})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":42`)
	assert.Contains(t, rec.Body.String(), `"principal":"user:42"`)

	rec = serve(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWTAuthRejectsExpiredAndForeignTokens(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))

	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", nil).Code)

	expired := token(t, jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Minute).Unix()})
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + expired}).Code)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"}).SignedString([]byte("other"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + other}).Code)

	numeric := token(t, jwt.MapClaims{"sub": float64(7)})
	rec := serve(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + numeric})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user":7`)
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	e.PUT("/trips/:id/status", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		JWTAuth(secret), RequireRole("operator", "admin"))

	customer := token(t, jwt.MapClaims{"sub": "1", "role": "customer"})
	operator := token(t, jwt.MapClaims{"sub": "2", "role": "operator"})
	assert.Equal(t, http.StatusForbidden, serve(e, http.MethodPut, "/trips/1/status", map[string]string{"Authorization": "Bearer " + customer}).Code)
	assert.Equal(t, http.StatusNoContent, serve(e, http.MethodPut, "/trips/1/status", map[string]string{"Authorization": "Bearer " + operator}).Code)
}

func TestPayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"ok":true}`))
	require.NoError(t, err)
	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload(bs[:6])
	assert.False(t, ok)
}

func TestMiddlewaresPassThroughWithoutRedis(t *testing.T) {
	logger, _ := test.NewNullLogger()
	calls := 0
	e := echo.New()
	e.GET("/trips/:id/seats", func(c echo.Context) error { calls++; return c.String(http.StatusOK, "seats") },
		NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, logger),
		NewResponseCache(config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}}, nil, logger).Middleware())

	for i := 0; i < 3; i++ {
		rec := serve(e, http.MethodGet, "/trips/1/seats", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Cache"))
	}
	assert.Equal(t, 3, calls)
}

// newRedis connects to TEST_REDIS_ADDR (default localhost:6379) and skips
// when nothing answers.
func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("skipping redis tests: %v", err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestResponseCacheIsPerSessionAndInvalidatedPerTrip(t *testing.T) {
	rdb := newRedis(t)
	logger, _ := test.NewNullLogger()
	cache := NewResponseCache(config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}, TTL: time.Minute, Prefix: "test"}, rdb, logger)

	calls := 0
	e := echo.New()
	e.Use(Session())
	e.GET("/trips/:id/seats", func(c echo.Context) error {
		calls++
		return c.JSON(http.StatusOK, echo.Map{"session": SessionID(c)})
	}, cache.Middleware())

	s1 := map[string]string{SessionHeader: "session-one-0001"}
	s2 := map[string]string{SessionHeader: "session-two-0002"}

	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/trips/1/seats", s1).Header().Get("X-Cache"))
	rec := serve(e, http.MethodGet, "/trips/1/seats", s1)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Contains(t, rec.Body.String(), "session-one-0001")
	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/trips/1/seats", s2).Header().Get("X-Cache"))
	assert.Equal(t, 2, calls)

	cache.InvalidateTrip(context.Background(), 1)
	assert.Equal(t, "MISS", serve(e, http.MethodGet, "/trips/1/seats", s1).Header().Get("X-Cache"))
	assert.Equal(t, 3, calls)
}

func TestTokenBucketBlocksAfterCapacity(t *testing.T) {
	rdb := newRedis(t)
	logger, _ := test.NewNullLogger()
	cfg := config.RateLimitConfig{Enabled: true, Capacity: 2, RefillTokens: 1, RefillInterval: time.Hour, TTL: time.Hour, KeyStrategy: "session_route", Prefix: "rl-test"}

	e := echo.New()
	e.Use(Session())
	e.POST("/lock", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, NewTokenBucket(cfg, rdb, logger))

	s1 := map[string]string{SessionHeader: "session-one-0001"}
	assert.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/lock", s1).Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/lock", s1).Code)
	rec := serve(e, http.MethodPost, "/lock", s1)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/lock", map[string]string{SessionHeader: "session-two-0002"}).Code)
}
