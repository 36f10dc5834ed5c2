package queue

import "time"

// Stats holds cumulative delivery counters. Counters only grow; nothing
// resets them except an explicit Clear. The manager's mutex serializes
// access, so Stats carries no locking of its own.
type Stats struct {
	Admitted   int64
	Successes  int64
	Failures   int64
	AvgLatency time.Duration
	LastSentAt time.Time
}

func (s *Stats) recordAdmitted() {
	s.Admitted++
}

func (s *Stats) recordSuccess(elapsed time.Duration) {
	s.Successes++
	// Running average over successful sends.
	s.AvgLatency += (elapsed - s.AvgLatency) / time.Duration(s.Successes)
	s.LastSentAt = time.Now()
}

func (s *Stats) recordFailure() {
	s.Failures++
}

// Clear resets all counters.
func (s *Stats) Clear() {
	*s = Stats{}
}
