package queue

import "github.com/pulsekit/pulsekit/event"

// RestoreOfflineEvents reconciles the offline store with the in-memory
// queue. Records whose identity is already tracked (queued or in-flight)
// are duplicates and are deleted from the store; genuinely new records
// are prepended ahead of fresh pushes, re-admitted through the same
// identity bookkeeping as Push but without the capacity-eviction path,
// since recovery should not immediately self-evict.
//
// The recovery cron invokes this on a fixed interval; it is also safe to
// call directly, repeatedly, and concurrently with pushes.
func (m *Manager) RestoreOfflineEvents() {
	if m.store == nil {
		return
	}
	persisted := m.store.All()
	if len(persisted) == 0 {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var fresh []*event.Event
	var duplicateIDs []string
	for _, ev := range persisted {
		if m.dedupe.Exists(ev) {
			duplicateIDs = append(duplicateIDs, ev.ID)
			continue
		}
		fresh = append(fresh, ev)
	}

	if len(fresh) > 0 {
		m.records = append(append([]*event.Event{}, fresh...), m.records...)
		m.sched.Requeue(fresh, m.classifier.Classify)
		for _, ev := range fresh {
			m.dedupe.Add(ev)
		}
		m.armFlushLocked()
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		// Everything already made it back into memory earlier.
		m.store.Clear()
	} else if len(duplicateIDs) > 0 {
		m.store.Delete(duplicateIDs)
	}

	m.logger.Debug("offline recovery",
		"persisted", len(persisted),
		"restored", len(fresh),
		"duplicates", len(duplicateIDs))
}
