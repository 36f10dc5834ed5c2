package transport

import (
	"github.com/pulsekit/pulsekit/internal/netmon"
)

const (
	// DefaultSizeCeiling is the payload size above which the streaming
	// mechanism is preferred.
	DefaultSizeCeiling = 65536
	// DefaultSmallPayload is the size below which the durable
	// fire-and-forget mechanism is preferred.
	DefaultSmallPayload = 1024
)

// Selector picks a delivery mechanism per send attempt, weighted by
// payload size, connectivity class, and historical success rate.
//
// The chain is the ordered set of available mechanism names: the durable
// mechanism first, then streaming, then the blocking fallback. The same
// order breaks success-rate ties and drives the sender's fallback cascade.
type Selector struct {
	history      *History
	chain        []string
	sizeCeiling  int
	smallPayload int
}

// SelectorOptions tune the selection thresholds.
type SelectorOptions struct {
	SizeCeiling  int
	SmallPayload int
}

// NewSelector creates a selector over the mechanism chain.
func NewSelector(history *History, chain []string, opts SelectorOptions) *Selector {
	if len(chain) == 0 {
		chain = FallbackChain
	}
	if opts.SizeCeiling <= 0 {
		opts.SizeCeiling = DefaultSizeCeiling
	}
	if opts.SmallPayload <= 0 {
		opts.SmallPayload = DefaultSmallPayload
	}
	return &Selector{
		history:      history,
		chain:        chain,
		sizeCeiling:  opts.SizeCeiling,
		smallPayload: opts.SmallPayload,
	}
}

// Select evaluates the decision table in order:
//
//  1. offline → the durable mechanism, even if historically failing,
//     since it is the only one designed to survive immediate teardown
//  2. slow network or oversized payload → the streaming mechanism
//  3. small payload → the durable mechanism
//  4. otherwise → the mechanism with the best historical success rate,
//     ties broken by chain order
func (s *Selector) Select(payloadSize int, state netmon.State) string {
	durable := s.chain[0]

	if state == netmon.StateOffline {
		return durable
	}
	if state == netmon.StateSlow || payloadSize > s.sizeCeiling {
		if s.has(MechanismStream) {
			return MechanismStream
		}
	}
	if payloadSize < s.smallPayload {
		return durable
	}

	best := durable
	bestRate := -1.0
	for _, name := range s.chain {
		rate := s.history.Rate(name)
		if rate > bestRate {
			best = name
			bestRate = rate
		}
	}
	return best
}

// Chain returns the fallback order starting from the given mechanism:
// the selected mechanism first, then the remaining chain entries in
// their fixed order.
func (s *Selector) Chain(first string) []string {
	order := make([]string, 0, len(s.chain))
	order = append(order, first)
	for _, name := range s.chain {
		if name != first {
			order = append(order, name)
		}
	}
	return order
}

func (s *Selector) has(name string) bool {
	for _, avail := range s.chain {
		if avail == name {
			return true
		}
	}
	return false
}
