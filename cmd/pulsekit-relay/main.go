// pulsekit-relay reads newline-delimited JSON events on stdin and
// delivers them through the pulsekit engine. It is the reference host
// for the SDK: a log shipper or sidecar can pipe events into it and get
// batching, dedup, retry, and offline persistence for free.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsekit/pulsekit"
	"github.com/pulsekit/pulsekit/event"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "pulsekit.toml", "path to TOML config")
	statsEvery := flag.Duration("stats", time.Minute, "interval for stats logging (0 disables)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pulsekit-relay %s (built %s)\n", version, buildTime)
		return 0
	}

	cfg, err := pulsekit.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := pulsekit.New(cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	// Replay anything a previous run left behind before new input piles up.
	client.RestoreOfflineEvents()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return readEvents(ctx, client, logger)
	})

	if *statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s := client.Stats()
					logger.Info("delivery stats",
						"admitted", s.Admitted,
						"successes", s.Successes,
						"failures", s.Failures,
						"avg_latency", s.AvgLatency)
				}
			}
		})
	}

	err = g.Wait()
	stop()

	if cerr := client.Close(); cerr != nil {
		logger.Error("shutdown", "error", cerr)
	}
	if err != nil && err != context.Canceled {
		logger.Error("relay stopped", "error", err)
		return 1
	}
	logger.Info("relay stopped")
	return 0
}

// readEvents consumes NDJSON from stdin until EOF or cancellation.
// Lines that do not parse are logged and skipped; a bad producer must
// not stall the stream.
func readEvents(ctx context.Context, client *pulsekit.Client, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	var n int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				logger.Info("input drained", "events", n)
				return nil
			}
			if len(line) == 0 {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				logger.Warn("skipping malformed line", "error", err)
				continue
			}
			if ev.Name == "" {
				logger.Warn("skipping event without name")
				continue
			}
			if ev.ID == "" || ev.Timestamp == 0 {
				filled := event.New(ev.Name, ev.Properties)
				if ev.ID != "" {
					filled.ID = ev.ID
				}
				if ev.Timestamp != 0 {
					filled.Timestamp = ev.Timestamp
				}
				filled.Extra = ev.Extra
				client.Push(filled)
			} else {
				client.Push(&ev)
			}
			n++
		}
	}
}
