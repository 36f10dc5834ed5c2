package priority

import "github.com/pulsekit/pulsekit/event"

// Scheduler holds queued events in three FIFO lanes and always drains
// high before normal before low. Strict priority means a sustained stream
// of high events can starve the low lane indefinitely; that is an
// accepted tradeoff, not a bug.
//
// The scheduler is not self-locking. The queue manager owns it and keeps
// it in lockstep with its plain insertion-order queue.
type Scheduler struct {
	lanes [3][]*event.Event
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Push appends the event to its lane.
func (s *Scheduler) Push(ev *event.Event, lane event.Lane) {
	s.lanes[lane] = append(s.lanes[lane], ev)
}

// Requeue prepends the events to their lanes preserving their relative
// order, used when a failed batch re-enters the queue ahead of newer work.
func (s *Scheduler) Requeue(events []*event.Event, classify func(name string) event.Lane) {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		lane := classify(ev.Name)
		s.lanes[lane] = append([]*event.Event{ev}, s.lanes[lane]...)
	}
}

// Pop removes and returns the next event in lane order, or nil if empty.
func (s *Scheduler) Pop() *event.Event {
	for lane := range s.lanes {
		if len(s.lanes[lane]) > 0 {
			ev := s.lanes[lane][0]
			s.lanes[lane] = s.lanes[lane][1:]
			return ev
		}
	}
	return nil
}

// Peek returns the next event without removing it, or nil if empty.
func (s *Scheduler) Peek() *event.Event {
	for lane := range s.lanes {
		if len(s.lanes[lane]) > 0 {
			return s.lanes[lane][0]
		}
	}
	return nil
}

// Batch pops up to n events honoring lane order.
func (s *Scheduler) Batch(n int) []*event.Event {
	if n <= 0 {
		return nil
	}
	batch := make([]*event.Event, 0, n)
	for len(batch) < n {
		ev := s.Pop()
		if ev == nil {
			break
		}
		batch = append(batch, ev)
	}
	return batch
}

// Remove drops the events with the given identities from all lanes.
func (s *Scheduler) Remove(identities map[string]struct{}) {
	for lane := range s.lanes {
		kept := s.lanes[lane][:0]
		for _, ev := range s.lanes[lane] {
			if _, drop := identities[ev.Identity()]; !drop {
				kept = append(kept, ev)
			}
		}
		s.lanes[lane] = kept
	}
}

// Size returns the total number of queued events across lanes.
func (s *Scheduler) Size() int {
	total := 0
	for lane := range s.lanes {
		total += len(s.lanes[lane])
	}
	return total
}

// Empty reports whether all lanes are empty.
func (s *Scheduler) Empty() bool {
	return s.Size() == 0
}

// Clear drops all queued events.
func (s *Scheduler) Clear() {
	for lane := range s.lanes {
		s.lanes[lane] = nil
	}
}
