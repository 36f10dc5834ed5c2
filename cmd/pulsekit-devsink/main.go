// pulsekit-devsink is a development collector. It accepts envelopes over
// both transports the SDK speaks — HTTP POST and websocket — and prints
// every event it receives, so an SDK integration can be exercised
// without a real backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/pulsekit/pulsekit/event"
)

type sink struct {
	logger   *slog.Logger
	received atomic.Int64
	pretty   bool
}

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":8080", "listen address")
	pretty := flag.Bool("pretty", false, "print each event as indented JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := &sink{logger: logger, pretty: *pretty}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	// The SDK derives its websocket URL from the ingest endpoint, so the
	// upgrade arrives on the same path; /v1/stream is kept for explicit
	// streamUrl configs.
	mux.HandleFunc("GET /v1/ingest", s.handleStream)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devsink listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "error", err)
			return 1
		}
	}

	logger.Info("devsink stopped", "events_received", s.received.Load())
	return 0
}

// handleIngest accepts one envelope per POST. Both the beacon and the
// plain HTTP mechanism land here.
func (s *sink) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := s.accept(r.Header.Get("X-App-ID"), "http", body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream accepts a websocket connection carrying one envelope per
// text frame, acking each with "ok".
func (s *sink) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	appID := r.Header.Get("X-App-ID")
	for {
		_, frame, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		ack := "ok"
		if err := s.accept(appID, "stream", frame); err != nil {
			ack = "error: " + err.Error()
		}
		if err := conn.Write(r.Context(), websocket.MessageText, []byte(ack)); err != nil {
			return
		}
	}
}

func (s *sink) accept(appID, via string, payload []byte) error {
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if env.AppID == "" && appID == "" {
		return errors.New("missing app id")
	}
	s.received.Add(int64(len(env.Events)))

	for _, ev := range env.Events {
		if s.pretty {
			out, _ := json.MarshalIndent(ev, "", "  ")
			fmt.Println(string(out))
			continue
		}
		s.logger.Info("event",
			"via", via,
			"app_id", env.AppID,
			"name", ev.Name,
			"id", ev.ID,
			"timestamp", ev.Timestamp)
	}
	return nil
}
