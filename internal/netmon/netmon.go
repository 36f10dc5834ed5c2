// Package netmon caches the current connectivity class for the delivery
// engine. It is a rate-limiting cache over a pluggable probe, not a
// continuous monitor: platform state is sampled at most once per check
// interval no matter how often send decisions consult it.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is the connectivity class.
type State int

const (
	StateOnline State = iota
	StateSlow
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateSlow:
		return "slow"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Sample is one connectivity observation. Fields the probe cannot
// determine are left zero and ignored by classification.
type Sample struct {
	Online        bool
	RTT           time.Duration
	DownlinkKbps  float64
	EffectiveType string // e.g. "slow-2g", "2g", "3g", "4g"
}

// Prober produces connectivity samples. It is injected once at
// construction as part of the environment capability profile.
type Prober interface {
	Probe(ctx context.Context) (Sample, error)
}

const (
	// DefaultCheckInterval is the minimum spacing between probes.
	DefaultCheckInterval = 5 * time.Second
	// DefaultSlowRTT marks the round-trip threshold for the slow class.
	DefaultSlowRTT = 1400 * time.Millisecond
	// DefaultSlowDownlinkKbps marks the bandwidth floor for the slow class.
	DefaultSlowDownlinkKbps = 500
)

// Options tune the monitor's cache and classification thresholds.
type Options struct {
	CheckInterval    time.Duration
	SlowRTT          time.Duration
	SlowDownlinkKbps float64
	Logger           *slog.Logger
}

// Monitor caches the connectivity class derived from probe samples.
type Monitor struct {
	prober  Prober
	opts    Options
	logger  *slog.Logger
	flight  singleflight.Group
	mu      sync.Mutex
	state   State
	sampled time.Time
}

// New creates a monitor. A nil prober means connectivity introspection is
// unavailable and the monitor reports online as a best-effort default.
func New(prober Prober, opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.SlowRTT <= 0 {
		opts.SlowRTT = DefaultSlowRTT
	}
	if opts.SlowDownlinkKbps <= 0 {
		opts.SlowDownlinkKbps = DefaultSlowDownlinkKbps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober: prober,
		opts:   opts,
		logger: logger.With("component", "netmon"),
		state:  StateOnline,
	}
}

// State returns the cached connectivity class, re-probing only if the
// check interval has elapsed. Concurrent callers share a single probe.
func (m *Monitor) State(ctx context.Context) State {
	if m.prober == nil {
		return StateOnline
	}

	m.mu.Lock()
	fresh := time.Since(m.sampled) < m.opts.CheckInterval && !m.sampled.IsZero()
	state := m.state
	m.mu.Unlock()
	if fresh {
		return state
	}

	v, _, _ := m.flight.Do("probe", func() (any, error) {
		sample, err := m.prober.Probe(ctx)
		next := m.classify(sample, err)

		m.mu.Lock()
		m.state = next
		m.sampled = time.Now()
		m.mu.Unlock()

		m.logger.Debug("connectivity sampled",
			"state", next.String(),
			"rtt", sample.RTT,
			"downlink_kbps", sample.DownlinkKbps)
		return next, nil
	})
	return v.(State)
}

// IsOnline reports whether the network class is fully online.
func (m *Monitor) IsOnline(ctx context.Context) bool { return m.State(ctx) == StateOnline }

// IsOffline reports whether the network is unreachable.
func (m *Monitor) IsOffline(ctx context.Context) bool { return m.State(ctx) == StateOffline }

// IsSlow reports whether the network is reachable but degraded.
func (m *Monitor) IsSlow(ctx context.Context) bool { return m.State(ctx) == StateSlow }

func (m *Monitor) classify(sample Sample, err error) State {
	if err != nil || !sample.Online {
		return StateOffline
	}
	if sample.EffectiveType == "slow-2g" || sample.EffectiveType == "2g" {
		return StateSlow
	}
	if sample.RTT > m.opts.SlowRTT {
		return StateSlow
	}
	if sample.DownlinkKbps > 0 && sample.DownlinkKbps < m.opts.SlowDownlinkKbps {
		return StateSlow
	}
	return StateOnline
}

// HTTPProber samples connectivity by issuing a HEAD request against the
// collector endpoint and measuring the round trip.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober against the given URL.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Probe issues the HEAD request. Any transport error classifies as
// offline; the HTTP status is irrelevant since reachability is the signal.
func (p *HTTPProber) Probe(ctx context.Context) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Sample{}, err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Sample{Online: false}, nil
	}
	resp.Body.Close()

	return Sample{Online: true, RTT: time.Since(start)}, nil
}
