package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/app"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/command"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/config"
)

// === Config ===

// NOTE: run nats: docker run --net=host nats:latest -js
// then: ESDEMO_BACKEND=nats ESDEMO_BUS=nats go run ./cmd/loadtest

var (
	N           = getEnvInt("N", 10_000)
	batchSize   = getEnvInt("B", 1_000)
	concurrency = getEnvInt("C", 8)
	retries     = getEnvInt("RETRIES", 0)
	quotes      = getEnvBool("QUOTES", false)
)

func getEnvBool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	return v == "1" || strings.ToLower(v) == "true"
}

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	settings, err := config.Load()
	checkErr(err)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: settings.LogLevel}))

	fmt.Printf("Backend: %s\n", settings.Backend)
	fmt.Printf("    Bus: %s\n", settings.Bus)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := app.New(app.Config{Context: ctx, Log: log, Settings: settings})
	checkErr(err)
	defer func() { checkErr(a.Close(context.Background())) }()

	// === START ===

	log.Info("==================================")
	log.Info("Starting ...")

	var (
		startAt    = time.Now()
		done       atomic.Int64
		duplicates atomic.Int64
		lastTime   atomic.Int64
	)
	lastTime.Store(startAt.UnixNano())

	submit := func(id string, i int) error {
		res, err := a.Commands().Submit(ctx, id, command.TypeSubmitBooking, command.Fields{
			"pax":         1 + i%12,
			"budget":      40 + i%60,
			"clientName":  fmt.Sprintf("Client %d", i),
			"clientEmail": fmt.Sprintf("client-%d@loadtest.local", i%500),
		})
		if err != nil {
			return err
		}
		if res[0].Duplicate {
			duplicates.Add(1)
		}
		if quotes && !res[0].Duplicate {
			_, err = a.Commands().Submit(ctx, id, command.TypeGenerateQuotes, nil)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < N && gctx.Err() == nil; i++ {
		g.Go(func() error {
			id := uuid.Must(uuid.NewV7()).String()
			for attempt := 0; attempt <= retries; attempt++ {
				if err := submit(id, i); err != nil {
					return err
				}
			}

			n := done.Add(1)
			if n%100 == 0 {
				print(".")
			}
			if n%int64(batchSize) == 0 {
				now := time.Now()
				took := now.Sub(time.Unix(0, lastTime.Swap(now.UnixNano())))
				mu := getMemUsage()
				fmt.Printf(" | %5d bookings | %6d ms |  %6d bookings/s | (%d / %d) MiB mem (sys) |\n", batchSize, took.Milliseconds(), int(float64(batchSize)/took.Seconds()), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			}
			return nil
		})
	}
	checkErr(g.Wait())

	// === stats ===
	println("")
	println("==========================================")

	took := time.Since(startAt)
	runtime.GC()

	stats, err := a.Control().Stats(ctx)
	checkErr(err)

	fmt.Printf("  total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("       bookings: %d (%d duplicate submissions)\n", done.Load(), duplicates.Load())
	fmt.Printf("         events: %d\n", stats.Events)
	fmt.Printf("      snapshots: %d\n", stats.Snapshots)
	for table, rows := range stats.ReadModels {
		fmt.Printf("  %13s: %d rows\n", table, rows)
	}
	fmt.Printf("avg. bookings/s: %d\n", int(float64(done.Load())/took.Seconds()))
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
