// Package event defines the telemetry data model shared between the
// public SDK surface and the internal delivery engine: the event record,
// its composite identity, priority lanes, the wire envelope, and the
// plugin hook contract.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a single telemetry record emitted by the host application.
// Once admitted to the delivery queue an event is never mutated until it
// leaves the queue (sent, dropped, or evicted); plugins observe events
// only while a batch is in flight.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  int64          `json:"timestamp"` // unix millis
	Extra      map[string]any `json:"extra,omitempty"`
}

// New creates an event with a generated ID and the current timestamp.
func New(name string, properties map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Name:       name,
		Properties: properties,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// Identity returns the composite key used to recognize "the same event"
// across the queue, the dedupe cache, and the offline store.
func (e *Event) Identity() string {
	return fmt.Sprintf("%s|%s|%d", e.ID, e.Name, e.Timestamp)
}

// Lane is one of the three fixed priority buckets.
type Lane int

const (
	LaneHigh Lane = iota
	LaneNormal
	LaneLow
)

func (l Lane) String() string {
	switch l {
	case LaneHigh:
		return "high"
	case LaneNormal:
		return "normal"
	case LaneLow:
		return "low"
	default:
		return "unknown"
	}
}
