// Package dedupe implements a bounded membership cache over composite
// event identities. It answers "have I already queued or sent this event"
// for the delivery engine's idempotent producer contract.
package dedupe

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pulsekit/pulsekit/event"
)

// DefaultSize bounds the cache when no size is configured. Under
// sustained high volume the LRU bound trades memory for the possibility
// of rare duplicate delivery from extremely bursty producers.
const DefaultSize = 10000

// Deduplicator is an LRU membership set keyed by composite identity.
// All operations are total; none return errors. It is not self-locking:
// the queue manager owns it and serializes access.
type Deduplicator struct {
	cache *lru.Cache[string, struct{}]
}

// New creates a deduplicator holding at most size identities. A
// non-positive size falls back to DefaultSize.
func New(size int) *Deduplicator {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only fails on a non-positive size, which is guarded above.
	cache, _ := lru.New[string, struct{}](size)
	return &Deduplicator{cache: cache}
}

// Exists reports whether the event's identity is tracked. A hit refreshes
// recency, keeping recently-seen identities and forgetting stale ones.
func (d *Deduplicator) Exists(ev *event.Event) bool {
	_, ok := d.cache.Get(ev.Identity())
	return ok
}

// Add records the event's identity, evicting the least-recently-touched
// identity first when at capacity.
func (d *Deduplicator) Add(ev *event.Event) {
	d.cache.Add(ev.Identity(), struct{}{})
}

// Remove releases the event's identity so it can be reused.
func (d *Deduplicator) Remove(ev *event.Event) {
	d.cache.Remove(ev.Identity())
}

// RemoveBatch releases every identity in the batch.
func (d *Deduplicator) RemoveBatch(events []*event.Event) {
	for _, ev := range events {
		d.cache.Remove(ev.Identity())
	}
}

// Clear drops all tracked identities.
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// Size returns the number of tracked identities.
func (d *Deduplicator) Size() int {
	return d.cache.Len()
}
