package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsekit/pulsekit/event"
	"github.com/pulsekit/pulsekit/internal/priority"
	"github.com/pulsekit/pulsekit/internal/transport"
)

// fakeSender scripts send outcomes and captures delivered envelopes.
type fakeSender struct {
	mu       sync.Mutex
	fail     bool
	payloads [][]byte
}

func (f *fakeSender) Send(ctx context.Context, payload []byte) transport.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if f.fail {
		return transport.Result{OK: false, Mechanism: transport.MechanismHTTP, Err: errors.New("collector down")}
	}
	return transport.Result{OK: true, Mechanism: transport.MechanismBeacon, Elapsed: 5 * time.Millisecond}
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeSender) sentEvents(t *testing.T) []*event.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*event.Event
	for _, payload := range f.payloads {
		var env event.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		all = append(all, env.Events...)
	}
	return all
}

func (f *fakeSender) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

// fakeStore is an in-memory OfflineStore.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[string]*event.Event
	order  []string
	clears int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*event.Event)}
}

func (s *fakeStore) All() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*event.Event, 0, len(s.order))
	for _, id := range s.order {
		if ev, ok := s.rows[id]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeStore) Add(events []*event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, ok := s.rows[ev.ID]; !ok {
			s.order = append(s.order, ev.ID)
		}
		s.rows[ev.ID] = ev
	}
}

func (s *fakeStore) ForceFlush() {}

func (s *fakeStore) Delete(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
}

func (s *fakeStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]*event.Event)
	s.order = nil
	s.clears++
}

func (s *fakeStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testConfig() Config {
	return Config{
		AppID:            "app-1",
		MaxQueueSize:     100,
		BatchSize:        10,
		MinBatchSize:     2,
		MaxBatchSize:     50,
		FlushInterval:    time.Hour, // timers never fire unless a test wants them to
		MinFlushInterval: time.Second,
		MaxFlushInterval: 2 * time.Hour,
		RetryCount:       3,
		RetryInterval:    time.Millisecond,
		PressureCacheTTL: -1, // recompute on every read
	}
}

func newTestManager(cfg Config, sender Sender, store OfflineStore) *Manager {
	return NewManager(cfg, sender, store, priority.NewClassifier(priority.DefaultRules()), nil)
}

func mkEvent(id, name string) *event.Event {
	return &event.Event{ID: id, Name: name, Timestamp: 1000}
}

func TestPushAndFlushDelivers(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	m.Push(mkEvent("a", "page_view"))
	m.Push(mkEvent("b", "page_view"))
	m.Flush()

	sent := sender.sentEvents(t)
	if len(sent) != 2 {
		t.Fatalf("delivered %d events, want 2", len(sent))
	}
	if m.Size() != 0 {
		t.Errorf("queue size after flush = %d, want 0", m.Size())
	}

	stats := m.StatsSnapshot()
	if stats.Admitted != 2 || stats.Successes != 1 || stats.Failures != 0 {
		t.Errorf("stats = %+v, want 2 admitted, 1 success", stats)
	}
	if stats.AvgLatency <= 0 || stats.LastSentAt.IsZero() {
		t.Error("expected latency and last-send timestamp to be recorded")
	}
}

func TestDedupIdempotence(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	ev := mkEvent("a", "page_view")
	m.Push(ev)
	m.Push(&event.Event{ID: "a", Name: "page_view", Timestamp: 1000}) // same identity
	m.Flush()

	if sent := sender.sentEvents(t); len(sent) != 1 {
		t.Fatalf("delivered %d events, want exactly 1", len(sent))
	}
}

func TestIdentityReusableAfterSend(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	ev := mkEvent("a", "page_view")
	m.Push(ev)
	m.Flush()
	m.Push(mkEvent("a", "page_view")) // identity released after the send
	m.Flush()

	if sent := sender.sentEvents(t); len(sent) != 2 {
		t.Errorf("delivered %d events, want 2 (identity reusable)", len(sent))
	}
}

func TestFlushHonorsPriorityOrder(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	m.Push(mkEvent("l1", "heartbeat"))
	m.Push(mkEvent("n1", "page_view"))
	m.Push(mkEvent("h1", "error"))
	m.Push(mkEvent("n2", "page_view"))
	m.Push(mkEvent("h2", "crash"))
	m.Flush()

	sent := sender.sentEvents(t)
	want := []string{"h1", "h2", "n1", "n2", "l1"}
	if len(sent) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(sent), len(want))
	}
	for i, ev := range sent {
		if ev.ID != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, ev.ID, want[i])
		}
	}
}

func TestEvictionBound(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.MaxQueueSize = 3
	m := newTestManager(cfg, sender, nil)
	defer m.ClearTimers()

	// Push A,B,C,D into a queue of 3: A is evicted oldest-first.
	for _, id := range []string{"A", "B", "C", "D"} {
		m.Push(mkEvent(id, "page_view"))
	}
	if m.Size() != 3 {
		t.Fatalf("queue size = %d, want 3", m.Size())
	}

	// A's identity was released, so re-pushing it succeeds and evicts B.
	m.Push(mkEvent("A", "page_view"))
	if m.Size() != 3 {
		t.Fatalf("queue size after re-push = %d, want 3", m.Size())
	}

	m.Flush()
	sent := sender.sentEvents(t)
	want := []string{"C", "D", "A"}
	if len(sent) != len(want) {
		t.Fatalf("delivered %d events, want %d", len(sent), len(want))
	}
	for i, ev := range sent {
		if ev.ID != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, ev.ID, want[i])
		}
	}
}

func TestEvictionNeverExceedsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	m := newTestManager(cfg, &fakeSender{}, nil)
	defer m.ClearTimers()

	for i := 0; i < 50; i++ {
		m.Push(mkEvent(fmt.Sprintf("ev-%d", i), "page_view"))
	}
	if m.Size() > 10 {
		t.Errorf("queue size = %d, want <= 10", m.Size())
	}
}

func TestBackpressureMonotonicity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.HighWatermark = 2 // never auto-flush in this test

	low := newTestManager(cfg, &fakeSender{}, nil)
	defer low.ClearTimers()
	high := newTestManager(cfg, &fakeSender{}, nil)
	defer high.ClearTimers()

	// Low pressure: 1/10. High pressure: 9/10.
	low.Push(mkEvent("a", "page_view"))
	for i := 0; i < 9; i++ {
		high.Push(mkEvent(fmt.Sprintf("h-%d", i), "page_view"))
	}

	if high.BatchSize() > low.BatchSize() {
		t.Errorf("high-pressure batch %d > low-pressure batch %d",
			high.BatchSize(), low.BatchSize())
	}
	if high.FlushInterval() > low.FlushInterval() {
		t.Errorf("high-pressure interval %v > low-pressure interval %v",
			high.FlushInterval(), low.FlushInterval())
	}
}

func TestAdaptiveControlsRespectBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.HighWatermark = 2

	m := newTestManager(cfg, &fakeSender{}, nil)
	defer m.ClearTimers()

	// Drive pressure high for many pushes: controls must stop at floors.
	for i := 0; i < 40; i++ {
		m.Push(mkEvent(fmt.Sprintf("ev-%d", i), "page_view"))
	}
	if m.BatchSize() < cfg.MinBatchSize {
		t.Errorf("batch size %d fell below floor %d", m.BatchSize(), cfg.MinBatchSize)
	}
	if m.FlushInterval() < cfg.MinFlushInterval {
		t.Errorf("interval %v fell below floor %v", m.FlushInterval(), cfg.MinFlushInterval)
	}
}

func TestRetryDelayFormula(t *testing.T) {
	cfg := Config{RetryInterval: 100 * time.Millisecond, RetryCount: 3}.Defaults()

	want := []time.Duration{
		100 * time.Millisecond, // 2^0
		200 * time.Millisecond, // 2^1
		400 * time.Millisecond, // 2^2
		100 * time.Millisecond, // wraps: 2^(3 mod 3)
		200 * time.Millisecond,
	}
	for n, d := range want {
		if got := cfg.retryDelay(n); got != d {
			t.Errorf("retryDelay(%d) = %v, want %v", n, got, d)
		}
	}
}

func TestFailureRequeuesAtFront(t *testing.T) {
	sender := &fakeSender{fail: true}
	cfg := testConfig()
	cfg.RetryInterval = time.Millisecond
	m := newTestManager(cfg, sender, nil)
	defer m.ClearTimers()

	m.Push(mkEvent("first", "page_view"))
	m.Flush() // fails, schedules requeue

	// Wait for the retry timer to restore the batch.
	deadline := time.Now().Add(time.Second)
	for m.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Size() != 1 {
		t.Fatalf("batch not requeued, size = %d", m.Size())
	}

	// A newer event lands behind the requeued one.
	m.Push(mkEvent("second", "page_view"))
	sender.setFail(false)
	m.Flush()

	sent := sender.sentEvents(t)
	last := sent[len(sent)-2:]
	if last[0].ID != "first" || last[1].ID != "second" {
		t.Errorf("order = %s,%s, want first,second (retry goes out first)", last[0].ID, last[1].ID)
	}
}

func TestFailureWithOfflinePersists(t *testing.T) {
	sender := &fakeSender{fail: true}
	store := newFakeStore()
	cfg := testConfig()
	cfg.OfflineEnabled = true
	cfg.RecoveryInterval = time.Hour
	m := newTestManager(cfg, sender, store)
	defer m.ClearTimers()

	m.Push(mkEvent("a", "page_view"))
	m.Push(mkEvent("b", "page_view"))
	m.Flush()

	if store.size() != 2 {
		t.Fatalf("store holds %d events, want 2", store.size())
	}
	if m.Size() != 0 {
		t.Errorf("queue size = %d, want 0 (batch moved to offline store)", m.Size())
	}
}

func TestSuccessClearsOfflineStore(t *testing.T) {
	sender := &fakeSender{}
	store := newFakeStore()
	store.Add([]*event.Event{mkEvent("stale", "page_view")})

	cfg := testConfig()
	cfg.OfflineEnabled = true
	cfg.RecoveryInterval = time.Hour
	m := newTestManager(cfg, sender, store)
	defer m.ClearTimers()

	m.Push(mkEvent("a", "page_view"))
	m.Flush()

	if store.size() != 0 {
		t.Errorf("store holds %d events after success, want 0", store.size())
	}
}

func TestPluginBeforeSendFilters(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	m.Use(event.Plugin{
		Name: "drop-heartbeats",
		BeforeSend: func(batch []*event.Event) []*event.Event {
			kept := batch[:0]
			for _, ev := range batch {
				if ev.Name != "heartbeat" {
					kept = append(kept, ev)
				}
			}
			return kept
		},
	})

	m.Push(mkEvent("a", "page_view"))
	m.Push(mkEvent("b", "heartbeat"))
	m.Flush()

	sent := sender.sentEvents(t)
	if len(sent) != 1 || sent[0].ID != "a" {
		t.Errorf("sent = %v, want only event a", sent)
	}
}

func TestPluginPanicIsolated(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	var afterCalls int
	var afterSuccess bool
	m.Use(event.Plugin{
		Name:       "bad",
		BeforeSend: func(batch []*event.Event) []*event.Event { panic("boom") },
		AfterSend:  func(batch []*event.Event, success bool) { panic("boom") },
	})
	m.Use(event.Plugin{
		Name: "observer",
		AfterSend: func(batch []*event.Event, success bool) {
			afterCalls++
			afterSuccess = success
		},
	})

	m.Push(mkEvent("a", "page_view"))
	m.Flush()

	if sent := sender.sentEvents(t); len(sent) != 1 {
		t.Fatalf("panicking plugin aborted delivery: sent %d", len(sent))
	}
	if afterCalls != 1 || !afterSuccess {
		t.Errorf("afterSend chain broken: calls=%d success=%v", afterCalls, afterSuccess)
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(testConfig(), sender, nil)
	defer m.ClearTimers()

	m.Flush()
	if sender.sends() != 0 {
		t.Error("flush of an empty queue should not send")
	}
}

func TestClearTimersIdempotent(t *testing.T) {
	m := newTestManager(testConfig(), &fakeSender{}, nil)

	// Safe before any timer was armed, and repeatedly.
	m.ClearTimers()
	m.ClearTimers()

	m.Push(mkEvent("a", "page_view")) // rejected after teardown
	if m.Size() != 0 {
		t.Error("push after ClearTimers should be rejected")
	}
}

func TestHighPressureTriggersImmediateFlush(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.MaxQueueSize = 10
	cfg.HighWatermark = 0.7
	m := newTestManager(cfg, sender, nil)
	defer m.ClearTimers()

	for i := 0; i < 8; i++ {
		m.Push(mkEvent(fmt.Sprintf("ev-%d", i), "page_view"))
	}

	deadline := time.Now().Add(time.Second)
	for sender.sends() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.sends() == 0 {
		t.Error("crossing the high watermark should flush without waiting for the timer")
	}
}
