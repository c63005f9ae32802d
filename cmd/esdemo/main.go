// Command esdemo drives the booking pipeline from the shell.
//
//	esdemo submit-booking -pax 4 -budget 150 -name John -email john@x.com
//	esdemo toggle booking
//	esdemo rebuild
//	esdemo worker
//
// Settings come from ESDEMO_* environment variables; results are printed as
// JSON on stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/config"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/otel"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	shutdown, err := otel.Setup(ctx, cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("otel shutdown", slog.Any("error", err))
		}
	}()

	return cmd.run(ctx, env{cfg: cfg, log: log, stdout: stdout, stderr: stderr}, args[1:])
}
