// Package queue implements the delivery engine's orchestrator: the
// bounded in-memory queue with its priority view, backpressure-driven
// batching, the send loop with retry and fallback-to-offline semantics,
// and offline recovery.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pulsekit/pulsekit/event"
	"github.com/pulsekit/pulsekit/internal/dedupe"
	"github.com/pulsekit/pulsekit/internal/priority"
	"github.com/pulsekit/pulsekit/internal/transport"
)

// Sender delivers a serialized envelope. Satisfied by transport.Sender.
type Sender interface {
	Send(ctx context.Context, payload []byte) transport.Result
}

// OfflineStore is the durable persistence collaborator. All operations
// are best-effort; implementations swallow their own failures.
type OfflineStore interface {
	All() []*event.Event
	Add(events []*event.Event)
	ForceFlush()
	Delete(ids []string)
	Clear()
}

// Config is the engine configuration consumed at construction.
type Config struct {
	AppID  string
	AppKey string

	MaxQueueSize int
	DedupeSize   int

	BatchSize    int
	MinBatchSize int
	MaxBatchSize int

	FlushInterval    time.Duration
	MinFlushInterval time.Duration
	MaxFlushInterval time.Duration

	RetryCount    int
	RetryInterval time.Duration

	OfflineEnabled   bool
	RecoveryInterval time.Duration

	// Watermarks on the pressure signal in [0,1].
	HighWatermark   float64 // immediate flush above this
	MediumWatermark float64 // shrink batch/interval above this
	LowWatermark    float64 // grow batch/interval below this

	PressureCacheTTL time.Duration
}

// Defaults fills unset fields.
func (c Config) Defaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = dedupe.DefaultSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 5
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MinFlushInterval <= 0 {
		c.MinFlushInterval = time.Second
	}
	if c.MaxFlushInterval <= 0 {
		c.MaxFlushInterval = 30 * time.Second
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 0.7
	}
	if c.MediumWatermark <= 0 {
		c.MediumWatermark = 0.6
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = 0.3
	}
	// A negative TTL disables the cache; zero means the 1s default.
	if c.PressureCacheTTL == 0 {
		c.PressureCacheTTL = time.Second
	}
	return c
}

// retryDelay is the bounded exponential backoff for the nth consecutive
// failure (zero-based): baseInterval * 2^(n mod maxRetries), no jitter.
func (c Config) retryDelay(n int) time.Duration {
	return c.RetryInterval * (1 << (n % c.RetryCount))
}

// Manager owns the queue state. A single mutex guards the plain queue,
// the priority view, the dedupe cache, and the stats, so their invariants
// hold even though pushes, timer callbacks, and the recovery sweep arrive
// on different goroutines. Only one flush is in progress at a time; Push
// never blocks on a send.
type Manager struct {
	cfg        Config
	sender     Sender
	store      OfflineStore
	classifier *priority.Classifier
	logger     *slog.Logger

	mu      sync.Mutex
	records []*event.Event
	sched   *priority.Scheduler
	dedupe  *dedupe.Deduplicator
	stats   Stats
	plugins []event.Plugin

	batchSize     int
	flushInterval time.Duration

	pressureVal float64
	pressureAt  time.Time

	inFlight     bool
	failureCount int
	closed       bool

	flushTimer  *time.Timer
	retryTimers map[*time.Timer]struct{}
	recovery    *cron.Cron
}

// NewManager creates the engine. A nil store disables offline
// persistence regardless of cfg.OfflineEnabled (the environment has no
// durable storage capability). The recovery sweep starts only when
// offline mode is enabled and a store exists.
func NewManager(cfg Config, sender Sender, store OfflineStore, classifier *priority.Classifier, logger *slog.Logger) *Manager {
	cfg = cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:           cfg,
		sender:        sender,
		store:         store,
		classifier:    classifier,
		logger:        logger.With("component", "queue"),
		sched:         priority.NewScheduler(),
		dedupe:        dedupe.New(cfg.DedupeSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		retryTimers:   make(map[*time.Timer]struct{}),
	}
	if cfg.OfflineEnabled && store != nil {
		m.recovery = cron.New()
		m.recovery.AddFunc(fmt.Sprintf("@every %s", cfg.RecoveryInterval), m.RestoreOfflineEvents)
		m.recovery.Start()
	}
	return m
}

// Use appends an enrichment plugin to the flush pipeline.
func (m *Manager) Use(p event.Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins = append(m.plugins, p)
}

// Push admits an event. It is fire-and-forget: duplicates and overflow
// are handled by policy, never surfaced to the producer.
func (m *Manager) Push(ev *event.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.dedupe.Exists(ev) {
		m.logger.Debug("duplicate rejected", "event_id", ev.ID, "name", ev.Name)
		m.mu.Unlock()
		return
	}

	if len(m.records) >= m.cfg.MaxQueueSize {
		m.evictLocked()
	}

	m.dedupe.Add(ev)
	m.records = append(m.records, ev)
	lane := m.classifier.Classify(ev.Name)
	m.sched.Push(ev, lane)
	m.stats.recordAdmitted()

	p := m.pressureLocked()
	m.adaptLocked(p)

	m.logger.Debug("event admitted",
		"event_id", ev.ID,
		"name", ev.Name,
		"lane", lane.String(),
		"pressure", p)

	if p > m.cfg.HighWatermark {
		m.mu.Unlock()
		go m.Flush()
		return
	}
	m.armFlushLocked()
	m.mu.Unlock()
}

// evictLocked applies the overflow policy: the higher the pressure, the
// larger the slice of oldest entries dropped. Evicted identities are
// released from the dedupe cache so they can be pushed again; losing old
// data is preferred over deadlocking the producer.
func (m *Manager) evictLocked() {
	p := m.pressureLocked()
	n := 1
	switch {
	case p > 0.9:
		n = max(1, m.cfg.MaxQueueSize/10)
	case p > 0.7:
		n = max(1, m.cfg.MaxQueueSize/20)
	}
	if n > len(m.records) {
		n = len(m.records)
	}

	evicted := m.records[:n]
	m.records = m.records[n:]

	identities := make(map[string]struct{}, n)
	for _, ev := range evicted {
		identities[ev.Identity()] = struct{}{}
		m.dedupe.Remove(ev)
	}
	m.sched.Remove(identities)

	m.logger.Debug("evicted oldest entries", "count", n, "pressure", p)
}

// pressureLocked returns queueSize/maxSize, cached to avoid
// recomputation storms under high ingestion rates.
func (m *Manager) pressureLocked() float64 {
	if !m.pressureAt.IsZero() && time.Since(m.pressureAt) < m.cfg.PressureCacheTTL {
		return m.pressureVal
	}
	m.pressureVal = float64(len(m.records)) / float64(m.cfg.MaxQueueSize)
	m.pressureAt = time.Now()
	return m.pressureVal
}

// adaptLocked is a proportional controller on batch size and flush
// interval. No hysteresis: pressure oscillating around a watermark can
// oscillate the batch size, an accepted tradeoff for simplicity.
func (m *Manager) adaptLocked(p float64) {
	switch {
	case p > m.cfg.MediumWatermark:
		shrunk := m.batchSize * 8 / 10
		if shrunk < m.cfg.MinBatchSize {
			shrunk = m.cfg.MinBatchSize
		}
		m.batchSize = shrunk

		interval := m.flushInterval / 2
		if interval < m.cfg.MinFlushInterval {
			interval = m.cfg.MinFlushInterval
		}
		m.flushInterval = interval
	case p < m.cfg.LowWatermark:
		grown := m.batchSize * 12 / 10
		if grown == m.batchSize {
			grown++
		}
		if grown > m.cfg.MaxBatchSize {
			grown = m.cfg.MaxBatchSize
		}
		m.batchSize = grown

		interval := m.flushInterval * 3 / 2
		if interval > m.cfg.MaxFlushInterval {
			interval = m.cfg.MaxFlushInterval
		}
		m.flushInterval = interval
	}
}

// armFlushLocked schedules a delayed flush unless one is already pending.
func (m *Manager) armFlushLocked() {
	if m.flushTimer != nil || m.closed {
		return
	}
	m.flushTimer = time.AfterFunc(m.flushInterval, func() {
		m.mu.Lock()
		m.flushTimer = nil
		m.mu.Unlock()
		m.Flush()
	})
}

// Flush drains one batch through the plugin chain and the sender. It is
// a no-op when nothing is queued or another flush is already in flight.
func (m *Manager) Flush() {
	m.mu.Lock()
	if m.inFlight || m.closed || len(m.records) == 0 {
		m.mu.Unlock()
		return
	}

	batch := m.sched.Batch(m.batchSize)
	identities := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		identities[ev.Identity()] = struct{}{}
	}
	m.removeRecordsLocked(identities)
	m.dedupe.RemoveBatch(batch)
	m.inFlight = true
	m.mu.Unlock()

	m.sendBatch(batch)
}

func (m *Manager) removeRecordsLocked(identities map[string]struct{}) {
	kept := m.records[:0]
	for _, ev := range m.records {
		if _, drop := identities[ev.Identity()]; !drop {
			kept = append(kept, ev)
		}
	}
	m.records = kept
}

func (m *Manager) sendBatch(batch []*event.Event) {
	batch = m.runBeforeSend(batch)
	if len(batch) == 0 {
		m.finishFlush()
		return
	}

	env := &event.Envelope{AppID: m.cfg.AppID, AppKey: m.cfg.AppKey, Events: batch}
	payload, err := env.Marshal()
	if err != nil {
		// Unserializable batches cannot be retried; they are dropped.
		m.logger.Warn("envelope marshal failed, batch dropped", "error", err, "events", len(batch))
		m.runAfterSend(batch, false)
		m.finishFlush()
		return
	}

	res := m.sender.Send(context.Background(), payload)
	m.runAfterSend(batch, res.OK)

	if res.OK {
		m.handleSuccess(res, len(batch))
	} else {
		m.handleFailure(batch, res)
	}
}

func (m *Manager) finishFlush() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

func (m *Manager) handleSuccess(res transport.Result, sent int) {
	m.mu.Lock()
	m.inFlight = false
	m.failureCount = 0
	m.stats.recordSuccess(res.Elapsed)
	pending := len(m.records) > 0
	if pending {
		m.armFlushLocked()
	}
	m.mu.Unlock()

	// Successful delivery means any offline backlog from this cycle is
	// flushable too.
	if m.store != nil && m.cfg.OfflineEnabled {
		m.store.ForceFlush()
		m.store.Clear()
	}

	m.logger.Debug("batch sent",
		"events", sent,
		"mechanism", res.Mechanism,
		"elapsed", res.Elapsed)
}

func (m *Manager) handleFailure(batch []*event.Event, res transport.Result) {
	m.mu.Lock()
	m.inFlight = false
	delay := m.cfg.retryDelay(m.failureCount)
	m.failureCount++
	m.stats.recordFailure()
	offline := m.cfg.OfflineEnabled && m.store != nil
	m.mu.Unlock()

	m.logger.Debug("batch send failed",
		"events", len(batch),
		"mechanism", res.Mechanism,
		"error", res.Err)

	if offline {
		// Best-effort durability; a persistence failure is logged inside
		// the store, not retried here.
		m.store.Add(batch)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.requeue(batch, timer)
	})
	m.retryTimers[timer] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("retry scheduled", "delay", delay, "events", len(batch))
}

// requeue re-inserts a failed batch at the front of the queue so it goes
// out ahead of newer work, restoring its dedupe identities so the batch
// is not mistaken for a fresh duplicate push.
func (m *Manager) requeue(batch []*event.Event, timer *time.Timer) {
	m.mu.Lock()
	delete(m.retryTimers, timer)
	if m.closed {
		m.mu.Unlock()
		return
	}

	m.records = append(append([]*event.Event{}, batch...), m.records...)
	m.sched.Requeue(batch, m.classifier.Classify)
	for _, ev := range batch {
		m.dedupe.Add(ev)
	}
	m.armFlushLocked()
	m.mu.Unlock()
}

// runBeforeSend applies each plugin's BeforeSend in order. A hook that
// panics is logged and skipped; the chain continues with the batch from
// the last well-behaved hook.
func (m *Manager) runBeforeSend(batch []*event.Event) []*event.Event {
	m.mu.Lock()
	plugins := make([]event.Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.mu.Unlock()

	for _, p := range plugins {
		if p.BeforeSend == nil {
			continue
		}
		batch = m.safeBeforeSend(p, batch)
	}
	return batch
}

func (m *Manager) safeBeforeSend(p event.Plugin, batch []*event.Event) (out []*event.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("plugin hook panicked",
				"plugin", p.Name,
				"phase", "beforeSend",
				"panic", r)
			out = batch
		}
	}()
	return p.BeforeSend(batch)
}

// runAfterSend notifies each plugin's AfterSend of the outcome. Hooks are
// side-effect only and isolated like BeforeSend.
func (m *Manager) runAfterSend(batch []*event.Event, success bool) {
	m.mu.Lock()
	plugins := make([]event.Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.mu.Unlock()

	for _, p := range plugins {
		if p.AfterSend == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("plugin hook panicked",
						"plugin", p.Name,
						"phase", "afterSend",
						"panic", r)
				}
			}()
			p.AfterSend(batch, success)
		}()
	}
}

// ClearTimers cancels the pending flush timer, all outstanding retry
// timers, and the recovery sweep. It is idempotent and safe to call
// before any timer was armed; the engine admits no further work after it.
func (m *Manager) ClearTimers() {
	m.mu.Lock()
	m.closed = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	for timer := range m.retryTimers {
		timer.Stop()
		delete(m.retryTimers, timer)
	}
	recovery := m.recovery
	m.recovery = nil
	m.mu.Unlock()

	if recovery != nil {
		recovery.Stop()
	}
}

// Size returns the number of queued events.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Pressure returns the cached backpressure signal.
func (m *Manager) Pressure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressureLocked()
}

// BatchSize returns the current dynamic batch size.
func (m *Manager) BatchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchSize
}

// FlushInterval returns the current dynamic flush interval.
func (m *Manager) FlushInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushInterval
}

// StatsSnapshot returns a copy of the delivery counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ClearStats resets the delivery counters.
func (m *Manager) ClearStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Clear()
}
