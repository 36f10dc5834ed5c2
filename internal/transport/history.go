package transport

import "sync"

// DefaultHistoryWindow is the attempt count past which history decays.
const DefaultHistoryWindow = 10

// History tracks a rolling (successes, attempts) pair per mechanism.
// Once attempts exceed the window, both counters are halved: memory stays
// bounded and selection biases toward recent behavior without ever fully
// forgetting a mechanism's past.
type History struct {
	mu      sync.Mutex
	window  float64
	records map[string]*record
}

type record struct {
	successes float64
	attempts  float64
}

// NewHistory creates a history with the given decay window.
func NewHistory(window int) *History {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &History{
		window:  float64(window),
		records: make(map[string]*record),
	}
}

// Record notes one attempt on the mechanism that actually executed it.
func (h *History) Record(mechanism string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[mechanism]
	if !ok {
		r = &record{}
		h.records[mechanism] = r
	}
	r.attempts++
	if success {
		r.successes++
	}
	if r.attempts > h.window {
		r.attempts /= 2
		r.successes /= 2
	}
}

// Rate returns the mechanism's historical success rate. An unseen
// mechanism defaults to 1.0 so it gets an optimistic first try.
func (h *History) Rate(mechanism string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.records[mechanism]
	if !ok || r.attempts == 0 {
		return 1.0
	}
	return r.successes / r.attempts
}
