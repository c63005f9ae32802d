package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	promadapter "github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/adapters/prometheus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/app"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/command"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/config"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/control"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
)

var errUsage = errors.New("usage")

type env struct {
	cfg    config.Config
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type cliCommand struct {
	help string
	run  func(ctx context.Context, e env, args []string) error
}

var commands = map[string]cliCommand{
	"submit-booking":  {"store a completed booking wizard", submitBooking},
	"register-user":   {"register a user", registerUser},
	"generate-quotes": {"request one quote per menu within a booking's budget", generateQuotes},
	"quote-status":    {"move a quote to pending, quoted, discarded or expired", quoteStatus},
	"submit":          {"submit a command of any type with JSON fields", submitRaw},
	"status":          {"show the enablement switches", status},
	"toggle":          {"flip a switch: master, user, booking, quote or a projection name", toggle},
	"rebuild":         {"re-project every stored event", rebuild},
	"reset":           {"wipe events and read models, then reseed the catalog", reset},
	"stats":           {"count events, rows, snapshots and checkpoints", stats},
	"snapshot":        {"take a manual snapshot of the read model counts", snapshot},
	"worker":          {"consume the nats bus and serve metrics until interrupted", worker},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: esdemo <command> [flags]")
	fmt.Fprintln(w)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].help)
	}
}

func (e env) open(ctx context.Context, opts ...func(*app.Config)) (*app.App, error) {
	cfg := app.Config{Context: ctx, Log: e.log, Settings: e.cfg}
	for _, opt := range opts {
		opt(&cfg)
	}
	return app.New(cfg)
}

// withApp opens the app, runs fn and prints its result.
func (e env) withApp(ctx context.Context, fn func(a *app.App) (any, error)) error {
	a, err := e.open(ctx)
	if err != nil {
		return err
	}
	out, err := fn(a)
	if cerr := a.Close(ctx); cerr != nil {
		e.log.Warn("close", slog.Any("error", cerr))
	}
	if err != nil {
		return err
	}
	return e.print(out)
}

func (e env) print(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.stdout, string(data))
	return err
}

func newFlagSet(e env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func submit(ctx context.Context, e env, id, commandType string, f command.Fields) error {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	return e.withApp(ctx, func(a *app.App) (any, error) {
		return a.Commands().Submit(ctx, id, commandType, f)
	})
}

func submitBooking(ctx context.Context, e env, args []string) error {
	fs := newFlagSet(e, "submit-booking")
	id := fs.String("id", "", "booking id (UUID); generated when empty")
	pax := fs.Int("pax", 0, "number of guests")
	budget := fs.Float64("budget", 0, "budget per booking")
	name := fs.String("name", "", "client name")
	email := fs.String("email", "", "client email")
	if err := parse(fs, args); err != nil {
		return err
	}
	return submit(ctx, e, *id, command.TypeSubmitBooking, command.Fields{
		"pax": *pax, "budget": *budget, "clientName": *name, "clientEmail": *email,
	})
}

func registerUser(ctx context.Context, e env, args []string) error {
	fs := newFlagSet(e, "register-user")
	id := fs.String("id", "", "user id (UUID); generated when empty")
	name := fs.String("name", "", "user name")
	email := fs.String("email", "", "user email")
	if err := parse(fs, args); err != nil {
		return err
	}
	return submit(ctx, e, *id, command.TypeRegisterUser, command.Fields{"name": *name, "email": *email})
}

func generateQuotes(ctx context.Context, e env, args []string) error {
	fs := newFlagSet(e, "generate-quotes")
	id := fs.String("booking", "", "booking id")
	if err := parse(fs, args); err != nil {
		return err
	}
	return submit(ctx, e, *id, command.TypeGenerateQuotes, nil)
}

func quoteStatus(ctx context.Context, e env, args []string) error {
	fs := newFlagSet(e, "quote-status")
	id := fs.String("id", "", "status change id (UUID); generated when empty")
	quote := fs.String("quote", "", "quote id")
	st := fs.String("status", "", fmt.Sprintf("new status %v", domain.QuoteStatuses))
	if err := parse(fs, args); err != nil {
		return err
	}
	return submit(ctx, e, *id, command.TypeChangeQuote, command.Fields{"quoteId": *quote, "status": *st})
}

func submitRaw(ctx context.Context, e env, args []string) error {
	fs := newFlagSet(e, "submit")
	id := fs.String("id", "", "aggregate id (UUID); generated when empty")
	typ := fs.String("type", "", fmt.Sprintf("command type %v", command.Types()))
	data := fs.String("data", "{}", "command fields as a JSON object")
	if err := parse(fs, args); err != nil {
		return err
	}
	var f command.Fields
	if err := codec.Unmarshal([]byte(*data), &f); err != nil {
		return fmt.Errorf("decode -data: %w", err)
	}
	return submit(ctx, e, *id, *typ, f)
}

func status(ctx context.Context, e env, _ []string) error {
	return e.withApp(ctx, func(a *app.App) (any, error) {
		return a.Control().Status(ctx)
	})
}

func toggle(ctx context.Context, e env, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(e.stderr, "usage: esdemo toggle <scope>")
		return errUsage
	}
	return e.withApp(ctx, func(a *app.App) (any, error) {
		on, err := a.Control().Toggle(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"scope": args[0], "enabled": on}, nil
	})
}

func rebuild(ctx context.Context, e env, _ []string) error {
	return e.withApp(ctx, func(a *app.App) (any, error) {
		return a.Control().Rebuild(ctx)
	})
}

func reset(ctx context.Context, e env, _ []string) error {
	return e.withApp(ctx, func(a *app.App) (any, error) {
		if err := a.Control().Reset(ctx); err != nil {
			return nil, err
		}
		return map[string]bool{"reset": true}, nil
	})
}

func stats(ctx context.Context, e env, _ []string) error {
	return e.withApp(ctx, func(a *app.App) (any, error) {
		s, err := a.Control().Stats(ctx)
		if err != nil {
			return nil, err
		}
		return struct {
			control.Stats
			Backlog map[string]int `json:"backlog"`
		}{Stats: s, Backlog: s.Backlog()}, nil
	})
}

func snapshot(ctx context.Context, e env, _ []string) error {
	return e.withApp(ctx, func(a *app.App) (any, error) {
		return a.Control().TakeSnapshot(ctx)
	})
}

func worker(ctx context.Context, e env, _ []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewMetrics(reg)

	a, err := e.open(ctx, func(c *app.Config) {
		c.Consume = true
		c.Metrics = metrics
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			e.log.Warn("close", slog.Any("error", err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: e.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server", slog.Any("error", err))
		}
	}()
	e.log.Info("worker started", slog.String("metrics_addr", e.cfg.MetricsAddr))

	err = a.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		e.log.Warn("metrics server shutdown", slog.Any("error", serr))
	}
	return err
}
