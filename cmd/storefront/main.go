// Command storefront books seats from a terminal.  It runs the same
// client-side flow as the web storefront: fetch the seat map, lock the
// chosen seats, create the ticket and wait for the payment outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/iliyamo/bus-seat-reservation/internal/apiclient"
	"github.com/iliyamo/bus-seat-reservation/internal/booking"
	"github.com/iliyamo/bus-seat-reservation/internal/config"
	"github.com/iliyamo/bus-seat-reservation/internal/countdown"
	"github.com/iliyamo/bus-seat-reservation/internal/model"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime"
	"github.com/iliyamo/bus-seat-reservation/internal/realtime/channel"
	"github.com/iliyamo/bus-seat-reservation/internal/seatlayout"
	"github.com/iliyamo/bus-seat-reservation/internal/seattx"
	"github.com/iliyamo/bus-seat-reservation/internal/sessionid"
)

type options struct {
	tripID  uint64
	seats   []string
	name    string
	email   string
	phone   string
	pickup  uint64
	dropoff uint64
	token   string
	mapOnly bool
	wait    time.Duration
	verbose bool
}

func parseFlags() options {
	var o options
	pflag.Uint64VarP(&o.tripID, "trip", "t", 1, "trip to book on")
	pflag.StringSliceVarP(&o.seats, "seats", "s", nil, "seat codes to book, e.g. A1,A2")
	pflag.StringVar(&o.name, "name", "", "passenger contact name")
	pflag.StringVar(&o.email, "email", "", "contact email")
	pflag.StringVar(&o.phone, "phone", "", "contact phone")
	pflag.Uint64Var(&o.pickup, "pickup", 0, "pickup point id")
	pflag.Uint64Var(&o.dropoff, "dropoff", 0, "drop-off point id")
	pflag.StringVar(&o.token, "token", os.Getenv("STOREFRONT_TOKEN"), "bearer token; book as a guest when empty")
	pflag.BoolVar(&o.mapOnly, "map", false, "print the seat map and exit")
	pflag.DurationVar(&o.wait, "wait", 15*time.Minute, "how long to wait for the payment outcome")
	pflag.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()
	return o
}

// errNotConfirmed ends a run whose ticket was cancelled instead of paid.
var errNotConfirmed = errors.New("ticket was not confirmed")

func main() {
	os.Exit(storefront())
}

// storefront runs the CLI and returns the exit code; deferred cleanup has run
// by the time main exits.
func storefront() int {
	opts := parseFlags()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	cfg := config.LoadClient()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := sessionid.NewProvider(sessionStore(cfg, log), log)
	var clientOpts []apiclient.Option
	if opts.token != "" {
		clientOpts = append(clientOpts, apiclient.WithBearerToken(func() string { return opts.token }))
	}
	api := apiclient.New(cfg.APIURL, sessions.Get, clientOpts...)
	layouts := seatlayout.New(api, seatlayout.WithTTL(cfg.LayoutTTL), seatlayout.WithLogger(log))
	rt := channel.New(cfg.WSURL, channel.WithLogger(log))
	defer rt.Disconnect()

	coord := booking.NewCoordinator(booking.Deps{
		Layouts:  layouts,
		Tx:       seattx.NewManager(api, layouts, seattx.WithLogger(log)),
		Tickets:  api,
		Realtime: rt,
		Log:      log,
	})
	// releases a hold left behind by an interrupted run
	defer coord.Shutdown(context.Background())

	err := run(ctx, coord, cfg, opts)
	if err != nil && !errors.Is(err, errNotConfirmed) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return exitCode(err)
}

// exitCode is 0 for a confirmed booking, 2 for a cancelled one and 1 for
// any failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNotConfirmed):
		return 2
	default:
		return 1
	}
}

func run(ctx context.Context, coord *booking.Coordinator, cfg config.ClientConfig, opts options) error {
	surface := coord.Open(ctx, opts.tripID, booking.Hooks{
		OnState: func(s booking.State) { fmt.Printf("booking: %s\n", s) },
		OnTick: func(t countdown.Tick) {
			if t.Remaining%time.Minute < time.Second || t.Expired {
				fmt.Printf("hold: %s left\n", countdown.Format(t.Remaining))
			}
		},
		OnTripStatus: func(ts realtime.TripStatus) {
			msg := string(ts.Status)
			if ts.DelayMinutes != nil {
				msg += fmt.Sprintf(" (%d min)", *ts.DelayMinutes)
			}
			fmt.Printf("trip %d is now %s\n", ts.TripID, msg)
		},
		OnNotification: func(n realtime.Notification) { fmt.Printf("notice: %s\n", n.Message) },
	})

	view := surface.View(ctx)
	if view.Err != nil {
		return view.Err
	}
	printMap(view)
	if opts.mapOnly {
		return nil
	}
	if len(opts.seats) == 0 {
		return errors.New("no seats given, use --seats")
	}

	flow := surface.Flow()
	for _, code := range lo.Uniq(lo.Map(opts.seats, func(s string, _ int) string { return strings.ToUpper(strings.TrimSpace(s)) })) {
		if _, err := surface.Toggle(ctx, code); err != nil {
			return fmt.Errorf("select %s: %w", code, err)
		}
	}
	if err := flow.SetRoute(opts.pickup, opts.dropoff); err != nil {
		return err
	}
	if err := flow.Commit(ctx); err != nil {
		return err
	}
	hold, _ := flow.Hold()
	fmt.Printf("locked %s until %s\n", strings.Join(hold.Seats, ","), hold.ExpiresAt().Local().Format(time.Kitchen))

	ticket, err := flow.Finalize(ctx, booking.Contact{
		Name:  opts.name,
		Email: opts.email,
		Phone: opts.phone,
		Guest: opts.token == "",
	})
	if err != nil {
		return err
	}
	fmt.Printf("ticket %s created, total %s, awaiting payment\n", ticket.TicketCode, price(ticket.TotalPrice))

	waitCtx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	settled, err := flow.PollTicket(waitCtx, cfg.PollEvery)
	if err != nil {
		return fmt.Errorf("waiting for payment: %w", err)
	}
	fmt.Printf("ticket %s %s\n", settled.TicketCode, settled.Status)
	if settled.Status != model.TicketConfirmed {
		return errNotConfirmed
	}
	return nil
}

func sessionStore(cfg config.ClientConfig, log logrus.FieldLogger) sessionid.Store {
	path := cfg.SessionFile
	if path == "" {
		p, err := sessionid.DefaultPath()
		if err != nil {
			log.WithError(err).Warn("storefront: no config dir, session will not persist")
			return &sessionid.MemoryStore{}
		}
		path = p
	}
	return sessionid.FileStore{Path: path}
}

var marks = map[booking.Category]string{
	booking.CategoryAvailable: ".",
	booking.CategorySelected:  "*",
	booking.CategoryHeld:      "#",
	booking.CategoryLocked:    "L",
	booking.CategoryBooked:    "X",
}

func printMap(v booking.View) {
	if len(v.Cells) == 0 {
		fmt.Println("no seats")
		return
	}
	byPos := make(map[[3]int]booking.Cell, len(v.Cells))
	minRow, maxRow := v.Cells[0].Seat.Row, v.Cells[0].Seat.Row
	minCol, maxCol := v.Cells[0].Seat.Col, v.Cells[0].Seat.Col
	decks := map[int]bool{}
	for _, c := range v.Cells {
		byPos[[3]int{c.Seat.Deck, c.Seat.Row, c.Seat.Col}] = c
		decks[c.Seat.Deck] = true
		minRow, maxRow = min(minRow, c.Seat.Row), max(maxRow, c.Seat.Row)
		minCol, maxCol = min(minCol, c.Seat.Col), max(maxCol, c.Seat.Col)
	}
	order := lo.Keys(decks)
	sort.Ints(order)
	for _, deck := range order {
		fmt.Printf("deck %d\n", deck)
		for row := minRow; row <= maxRow; row++ {
			var b strings.Builder
			for col := minCol; col <= maxCol; col++ {
				c, ok := byPos[[3]int{deck, row, col}]
				if !ok {
					b.WriteString("        ")
					continue
				}
				fmt.Fprintf(&b, "%-4s %s  ", c.Seat.SeatCode, marks[c.Category])
			}
			fmt.Println(strings.TrimRight(b.String(), " "))
		}
	}
	fmt.Println(". free  * selected  # yours  L locked  X booked")
}

func price(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
