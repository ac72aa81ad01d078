package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/clock"
)

// Sweeper periodically releases lapsed locks and expires unpaid tickets so
// that seats come back even when nobody requests the layout.
type Sweeper struct {
	svc      *ReservationService // does the actual work
	interval time.Duration       // time between sweeps
	clock    clock.Clock         // shared with svc so tests drive both
	log      logrus.FieldLogger  // sweep results and failures
}

// NewSweeper returns a Sweeper running svc.Sweep every interval.
func NewSweeper(svc *ReservationService, interval time.Duration, log logrus.FieldLogger) *Sweeper {
	// half a minute keeps a lapsed hold visible for at most that long
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, interval: interval, clock: svc.clock, log: log}
}

// Run sweeps until ctx is done.  A failed sweep is logged and retried on
// the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			res, err := s.svc.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Warn("sweeper: sweep failed")
				continue
			}
			// quiet sweeps are the common case; only log real work
			if res.ReleasedSeats > 0 || res.CancelledTickets > 0 {
				s.log.WithFields(logrus.Fields{
					"released_seats":    res.ReleasedSeats,
					"cancelled_tickets": res.CancelledTickets,
				}).Info("sweeper: released expired holds")
			}
		}
	}
}
