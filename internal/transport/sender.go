package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/pulsekit/pulsekit/internal/netmon"
)

// DefaultTimeout bounds each individual transport attempt.
const DefaultTimeout = 30 * time.Second

// Sender delivers payloads by selecting a mechanism and cascading through
// the fallback chain until one succeeds or the chain is exhausted. Every
// attempt is recorded into the history under the mechanism that actually
// executed it, so selection learns from fallbacks too.
type Sender struct {
	mechanisms map[string]Mechanism
	selector   *Selector
	history    *History
	monitor    *netmon.Monitor
	timeout    time.Duration
	logger     *slog.Logger
}

// SenderOptions configure a sender.
type SenderOptions struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewSender wires the mechanisms to the selector and history. The
// selector's chain must only name mechanisms present in the slice.
func NewSender(mechanisms []Mechanism, selector *Selector, history *History, monitor *netmon.Monitor, opts SenderOptions) *Sender {
	byName := make(map[string]Mechanism, len(mechanisms))
	for _, m := range mechanisms {
		byName[m.Name()] = m
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		mechanisms: byName,
		selector:   selector,
		history:    history,
		monitor:    monitor,
		timeout:    opts.Timeout,
		logger:     logger.With("component", "sender"),
	}
}

// Send attempts delivery. The result carries the mechanism that
// ultimately answered, or the last one attempted on total failure.
func (s *Sender) Send(ctx context.Context, payload []byte) Result {
	state := s.monitor.State(ctx)
	selected := s.selector.Select(len(payload), state)
	order := s.selector.Chain(selected)

	s.logger.Debug("send attempt",
		"selected", selected,
		"size", len(payload),
		"network", state.String())

	start := time.Now()
	var lastErr error
	last := selected
	for _, name := range order {
		mech, ok := s.mechanisms[name]
		if !ok {
			continue
		}
		last = name

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := mech.Send(attemptCtx, payload)
		cancel()

		s.history.Record(name, err == nil)
		if err == nil {
			return Result{OK: true, Mechanism: name, Elapsed: time.Since(start)}
		}

		lastErr = err
		s.logger.Debug("mechanism failed, cascading", "mechanism", name, "error", err)
	}

	return Result{OK: false, Mechanism: last, Elapsed: time.Since(start), Err: lastErr}
}
