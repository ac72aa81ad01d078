package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, ev BookingEvent) error

// Chain runs handlers in order and stops at the first error.
func Chain(hs ...Handler) Handler {
	return func(ctx context.Context, ev BookingEvent) error {
		for _, h := range hs {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// Consumer reads BookingQueue and hands every event to a Handler.
type Consumer struct {
	url        string
	handle     Handler
	log        logrus.FieldLogger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewConsumer returns a Consumer for the broker at url.
func NewConsumer(url string, handle Handler, log logrus.FieldLogger) *Consumer {
	return &Consumer{url: url, handle: handle, log: log, minBackoff: time.Second, maxBackoff: 30 * time.Second}
}

// Run dials the broker and consumes until ctx is done, reconnecting with
// exponential backoff whenever the connection or delivery channel drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.WithError(err).Warnf("booking-consumer: dial failed; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).Warn("booking-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.WithError(err).Warn("booking-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(BookingQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(BookingQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Deliver(ctx, d.Body); err != nil {
				c.log.WithError(err).Warn("booking-consumer: handle message failed")
				// Rejected without requeue to avoid a tight redelivery loop.
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Deliver decodes body and runs the handler on it.
func (c *Consumer) Deliver(ctx context.Context, body []byte) error {
	ev, err := Decode(body)
	if err != nil {
		return err
	}
	return c.handle(ctx, ev)
}

// AuditLog returns a Handler appending one JSON line per event to the file
// at path, and the file to close on shutdown.
func AuditLog(path string) (Handler, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	audit := logrus.New()
	audit.SetOutput(f)
	audit.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	h := func(_ context.Context, ev BookingEvent) error {
		audit.WithFields(logrus.Fields{
			"ticket_id":   ev.TicketID,
			"ticket_code": ev.TicketCode,
			"trip_id":     ev.TripID,
			"status":      ev.Status,
			"seats":       ev.Seats,
			"settled_at":  ev.SettledAt.Format(time.RFC3339),
		}).Info("booking settled")
		return nil
	}
	return h, f, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
