package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
	"github.com/iliyamo/bus-seat-reservation/internal/database"
	"github.com/iliyamo/bus-seat-reservation/internal/handler"
	"github.com/iliyamo/bus-seat-reservation/internal/middleware"
	"github.com/iliyamo/bus-seat-reservation/internal/queue"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/repository"
	"github.com/iliyamo/bus-seat-reservation/internal/repository/memory"
	"github.com/iliyamo/bus-seat-reservation/internal/router"
	"github.com/iliyamo/bus-seat-reservation/internal/service"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if cfg.Env == "dev" {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("server: store unavailable")
	}
	if db != nil {
		defer db.Close()
	}

	rdb := config.NewRedisClient(log)
	if rdb != nil {
		defer rdb.Close()
	}

	hub := realtime.NewHub(log)
	fanout := realtime.NewFanout(hub, rdb, log)
	events := realtime.NewEvents(fanout, log)
	cache := middleware.NewResponseCache(config.LoadCacheConfig(), rdb, log)

	opts := []service.Option{
		service.WithHoldDuration(cfg.HoldDuration),
		service.WithNotifier(events),
		service.WithCacheInvalidator(cache),
		service.WithLogger(log),
	}

	var consumer *queue.Consumer
	if cfg.AMQPURL != "" {
		publisher := queue.NewPublisher(cfg.AMQPURL, log)
		defer publisher.Close()
		opts = append(opts, service.WithPublisher(publisher))

		handlers := []queue.Handler{func(_ context.Context, ev queue.BookingEvent) error {
			events.BookingSettled(ev.TicketCode, ev.Status)
			return nil
		}}
		audit, f, err := queue.AuditLog("logs/booking.log")
		if err != nil {
			log.WithError(err).Warn("server: booking audit log disabled")
		} else {
			defer f.Close()
			handlers = append(handlers, audit)
		}
		consumer = queue.NewConsumer(cfg.AMQPURL, queue.Chain(handlers...), log)
	} else {
		log.Info("server: no broker configured, booking events go straight to the hub")
	}

	svc := service.NewReservationService(store, opts...)
	sweeper := service.NewSweeper(svc, cfg.SweepInterval, log)

	var pingers []handler.Pinger
	if db != nil {
		pingers = append(pingers, db)
	}

	e := router.New()
	e.HideBanner = true
	router.RegisterRoutes(e, handler.Ready(pingers...))
	router.RegisterReservations(e, router.Reservations{
		Handler:   handler.NewReservationHandler(svc, log),
		Cache:     cache,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		JWTSecret: cfg.JWTSecret,
	})
	router.RegisterOperations(e, handler.NewOperationsHandler(svc, cfg.PaymentSecret, log), cfg.JWTSecret)
	router.RegisterRealtime(e, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env, "store": cfg.Store}).Info("server: listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return ignoreCancel(sweeper.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(fanout.Run(gctx)) })
	if consumer != nil {
		g.Go(func() error { return ignoreCancel(consumer.Run(gctx)) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server: stopped with error")
		return
	}
	log.Info("server: stopped")
}

// openStore returns the configured store and, for mysql, the migrated
// database handle.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (service.Store, *sql.DB, error) {
	if cfg.Store == "memory" {
		store := memory.New()
		store.SeedDemo()
		log.Warn("server: using the in-memory store, data is lost on restart")
		return store, nil, nil
	}
	db, err := database.Open(database.DSN(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName))
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return repository.NewStore(db), db, nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
