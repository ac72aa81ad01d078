package middleware

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
)

// captureWriter captures response body/status while forwarding to the client.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
	size   int64
	limit  int64
}

func (cw *captureWriter) WriteHeader(code int) { cw.status = code; cw.ResponseWriter.WriteHeader(code) }

func (cw *captureWriter) Write(b []byte) (int, error) {
	if cw.limit <= 0 {
		cw.buf.Write(b)
	} else if remain := cw.limit - cw.size; remain > 0 {
		cw.buf.Write(b[:min(int64(len(b)), remain)])
	}
	cw.size += int64(len(b))
	return cw.ResponseWriter.Write(b)
}

// ResponseCache stores seat layout responses in redis.  Layouts differ per
// session (lockedByYou), so entries are keyed by session and indexed per
// trip for invalidation.
type ResponseCache struct {
	cfg config.CacheConfig
	rdb *redis.Client
	log logrus.FieldLogger
}

// NewResponseCache returns a cache; with a nil client it caches nothing.
func NewResponseCache(cfg config.CacheConfig, rdb *redis.Client, log logrus.FieldLogger) *ResponseCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &ResponseCache{cfg: cfg, rdb: rdb, log: log}
}

func (rc *ResponseCache) enabled() bool { return rc.cfg.Enabled && rc.rdb != nil }

func (rc *ResponseCache) indexKey(tripID string) string {
	return rc.cfg.Prefix + ":trip:" + tripID + ":keys"
}

// entryKey builds a stable key from the trip, the session and the request.
func (rc *ResponseCache) entryKey(c echo.Context, tripID string) string {
	sid := SessionID(c)
	if sid == "" {
		sid = "anon"
	}
	r := c.Request()
	sum := sha1.Sum([]byte(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery + "#" + sid))
	return fmt.Sprintf("%s:trip:%s:%x", rc.cfg.Prefix, tripID, sum[:])
}

// Middleware serves cached 200 responses for routes with an :id trip
// parameter and stores misses.
func (rc *ResponseCache) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if !rc.enabled() {
			return next
		}
		maxBody := int64(rc.cfg.MaxBodyBytes)
		return func(c echo.Context) error {
			tripID := c.Param("id")
			if tripID == "" || !rc.cfg.Methods[strings.ToUpper(c.Request().Method)] {
				return next(c)
			}

			ctx := c.Request().Context()
			key := rc.entryKey(c, tripID)
			if bs, err := rc.rdb.Get(ctx, key).Bytes(); err == nil {
				if status, hdr, body, ok := decodePayload(bs); ok {
					for k, vals := range hdr {
						if strings.EqualFold(k, "Content-Length") {
							continue
						}
						for _, v := range vals {
							c.Response().Header().Add(k, v)
						}
					}
					c.Response().Header().Set("X-Cache", "HIT")
					c.Response().WriteHeader(status)
					_, _ = c.Response().Write(body)
					return nil
				}
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer, status: http.StatusOK, limit: maxBody}
			c.Response().Writer = cw
			c.Response().Header().Set("X-Cache", "MISS")
			if err := next(c); err != nil {
				return err
			}
			if cw.status != http.StatusOK || (maxBody > 0 && cw.size > maxBody) {
				return nil
			}

			hdr := c.Response().Header().Clone()
			hdr.Del("X-Cache")
			payload, err := encodePayload(cw.status, hdr, cw.buf.Bytes())
			if err != nil {
				return nil
			}
			bg := context.WithoutCancel(ctx)
			pipe := rc.rdb.TxPipeline()
			pipe.SetEx(bg, key, payload, rc.cfg.TTL)
			pipe.SAdd(bg, rc.indexKey(tripID), key)
			pipe.Expire(bg, rc.indexKey(tripID), rc.cfg.TTL*2)
			if _, err := pipe.Exec(bg); err != nil {
				rc.log.WithError(err).Debug("cache: store failed")
			}
			return nil
		}
	}
}

// InvalidateTrip drops every cached response of a trip.
func (rc *ResponseCache) InvalidateTrip(ctx context.Context, tripID uint64) {
	if !rc.enabled() {
		return
	}
	idx := rc.indexKey(strconv.FormatUint(tripID, 10))
	keys, err := rc.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		rc.log.WithError(err).WithField("trip_id", tripID).Warn("cache: invalidate failed")
		return
	}
	if err := rc.rdb.Del(ctx, append(keys, idx)...).Err(); err != nil {
		rc.log.WithError(err).WithField("trip_id", tripID).Warn("cache: invalidate failed")
	}
}

// encodePayload packs: [4 bytes status][4 bytes headerLen][headerJSON][body]
func encodePayload(status int, header http.Header, body []byte) ([]byte, error) {
	hdrJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(hdrJSON)+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(status))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(hdrJSON)))
	copy(out[8:], hdrJSON)
	copy(out[8+len(hdrJSON):], body)
	return out, nil
}

func decodePayload(bs []byte) (status int, header http.Header, body []byte, ok bool) {
	if len(bs) < 8 {
		return 0, nil, nil, false
	}
	status = int(binary.BigEndian.Uint32(bs[0:4]))
	hlen := int(binary.BigEndian.Uint32(bs[4:8]))
	if hlen < 0 || 8+hlen > len(bs) {
		return 0, nil, nil, false
	}
	header = make(http.Header)
	if hlen > 0 {
		if err := json.Unmarshal(bs[8:8+hlen], &header); err != nil {
			return 0, nil, nil, false
		}
	}
	return status, header, bs[8+hlen:], true
}
