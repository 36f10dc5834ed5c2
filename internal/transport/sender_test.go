package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pulsekit/pulsekit/internal/netmon"
)

type fakeMechanism struct {
	name  string
	err   error
	calls int
	delay time.Duration
}

func (f *fakeMechanism) Name() string { return f.name }

func (f *fakeMechanism) Send(ctx context.Context, payload []byte) error {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func newTestSender(t *testing.T, timeout time.Duration, mechs ...Mechanism) (*Sender, *History) {
	t.Helper()
	h := NewHistory(10)
	sel := NewSelector(h, FallbackChain, SelectorOptions{})
	mon := netmon.New(nil, netmon.Options{}) // no prober: always online
	return NewSender(mechs, sel, h, mon, SenderOptions{Timeout: timeout}), h
}

func TestSendSuccessFirstChoice(t *testing.T) {
	beacon := &fakeMechanism{name: MechanismBeacon}
	s, h := newTestSender(t, 0, beacon)

	res := s.Send(context.Background(), []byte("x"))
	if !res.OK {
		t.Fatalf("send failed: %v", res.Err)
	}
	if res.Mechanism != MechanismBeacon {
		t.Errorf("mechanism = %s, want beacon", res.Mechanism)
	}
	if res.Elapsed < 0 {
		t.Error("expected non-negative elapsed time")
	}
	if h.Rate(MechanismBeacon) != 1.0 {
		t.Error("success should be recorded for beacon")
	}
}

func TestSendFallbackRecordsTrueMechanism(t *testing.T) {
	beacon := &fakeMechanism{name: MechanismBeacon, err: errors.New("down")}
	stream := &fakeMechanism{name: MechanismStream, err: errors.New("down")}
	fallback := &fakeMechanism{name: MechanismHTTP}
	s, h := newTestSender(t, 0, beacon, stream, fallback)

	res := s.Send(context.Background(), []byte("x"))
	if !res.OK {
		t.Fatalf("send failed: %v", res.Err)
	}
	if res.Mechanism != MechanismHTTP {
		t.Errorf("mechanism = %s, want http (the fallback that answered)", res.Mechanism)
	}

	// Every attempt is recorded under its true executed mechanism.
	if h.Rate(MechanismBeacon) != 0 {
		t.Error("beacon failure not recorded")
	}
	if h.Rate(MechanismStream) != 0 {
		t.Error("stream failure not recorded")
	}
	if h.Rate(MechanismHTTP) != 1 {
		t.Error("http success not recorded")
	}
	if beacon.calls != 1 || stream.calls != 1 || fallback.calls != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/1/1", beacon.calls, stream.calls, fallback.calls)
	}
}

func TestSendChainExhausted(t *testing.T) {
	failure := errors.New("collector down")
	beacon := &fakeMechanism{name: MechanismBeacon, err: failure}
	stream := &fakeMechanism{name: MechanismStream, err: failure}
	fallback := &fakeMechanism{name: MechanismHTTP, err: failure}
	s, _ := newTestSender(t, 0, beacon, stream, fallback)

	res := s.Send(context.Background(), []byte("x"))
	if res.OK {
		t.Fatal("expected failure when the whole chain fails")
	}
	if res.Mechanism != MechanismHTTP {
		t.Errorf("mechanism = %s, want the last attempted (http)", res.Mechanism)
	}
	if !errors.Is(res.Err, failure) {
		t.Errorf("err = %v, want last failure", res.Err)
	}
}

func TestSendAttemptTimeout(t *testing.T) {
	slow := &fakeMechanism{name: MechanismBeacon, delay: time.Second}
	fast := &fakeMechanism{name: MechanismHTTP}
	s, _ := newTestSender(t, 20*time.Millisecond, slow, fast)

	res := s.Send(context.Background(), []byte("x"))
	if !res.OK {
		t.Fatalf("send failed: %v", res.Err)
	}
	if res.Mechanism != MechanismHTTP {
		t.Errorf("mechanism = %s, want http after beacon timeout", res.Mechanism)
	}
}
