// Package transport delivers serialized envelopes to the collector. It
// provides three delivery mechanisms, a rolling success-rate history, a
// size- and connectivity-aware selector, and a sender that cascades
// through a fixed fallback chain until one mechanism answers.
package transport

import (
	"context"
	"errors"
	"time"
)

// Mechanism names. The fixed preference order for ties and for the
// fallback chain is beacon, then stream, then http.
const (
	MechanismBeacon = "beacon" // durable fire-and-forget, survives teardown
	MechanismStream = "stream" // cancellable, timeout-bounded request/response
	MechanismHTTP   = "http"   // blocking fallback request/response
	MechanismMQTT   = "mqtt"   // optional durable broker publish
)

// FallbackChain is the order the sender cascades through on failure.
var FallbackChain = []string{MechanismBeacon, MechanismStream, MechanismHTTP}

// ErrRejected is returned when the collector refused the payload.
var ErrRejected = errors.New("transport: payload rejected")

// Mechanism is a single delivery primitive. Send either delivers the
// payload or returns an error; partial acceptance does not exist.
type Mechanism interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
}

// Result is the outcome of a full send attempt including fallbacks.
// Mechanism names the mechanism that ultimately answered, or the last
// one attempted when the chain is exhausted.
type Result struct {
	OK        bool
	Mechanism string
	Elapsed   time.Duration
	Err       error
}
