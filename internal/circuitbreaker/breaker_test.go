package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-trigger/internal/testutil"
)

const endpoint = "http://runtime.local/invoke"

func newBreaker(threshold int) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	return New(threshold, 5*time.Second).WithClock(clock.Now), clock
}

func TestAllow_UnknownEndpoint(t *testing.T) {
	cb, _ := newBreaker(3)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if s := cb.State(endpoint); s != "closed" {
		t.Errorf("state = %s", s)
	}
}

func TestAllow_BelowThreshold(t *testing.T) {
	cb, _ := newBreaker(3)
	cb.RecordFailure(endpoint)
	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThresholdOpens(t *testing.T) {
	cb, _ := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(endpoint)
	}
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if s := cb.State(endpoint); s != "open" {
		t.Errorf("state = %s", s)
	}
}

func TestAllow_CooldownLetsOneProbeThrough(t *testing.T) {
	cb, clock := newBreaker(2)
	cb.RecordFailure(endpoint)
	cb.RecordFailure(endpoint)

	clock.Advance(5 * time.Second)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second request during probe = %v, want ErrCircuitOpen", err)
	}
	if s := cb.State(endpoint); s != "half_open" {
		t.Errorf("state = %s", s)
	}
}

func TestRecordSuccess_ClosesCircuit(t *testing.T) {
	cb, clock := newBreaker(1)
	cb.RecordFailure(endpoint)
	clock.Advance(5 * time.Second)
	cb.Allow(endpoint)

	cb.RecordSuccess(endpoint)
	if err := cb.Allow(endpoint); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}

	// the failure count starts over
	cb2, _ := newBreaker(2)
	cb2.RecordFailure(endpoint)
	cb2.RecordSuccess(endpoint)
	cb2.RecordFailure(endpoint)
	if err := cb2.Allow(endpoint); err != nil {
		t.Errorf("one failure after success opened the circuit: %v", err)
	}
}

func TestRecordFailure_HalfOpenReopens(t *testing.T) {
	cb, clock := newBreaker(3)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(endpoint)
	}
	clock.Advance(5 * time.Second)
	cb.Allow(endpoint)

	cb.RecordFailure(endpoint)
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failed probe should reopen, got %v", err)
	}

	clock.Advance(4 * time.Second)
	if err := cb.Allow(endpoint); !errors.Is(err, ErrCircuitOpen) {
		t.Error("cooldown restarted from the failed probe")
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	cb, _ := newBreaker(1)
	cb.RecordFailure(endpoint)
	if err := cb.Allow("http://other.local/invoke"); err != nil {
		t.Errorf("unrelated endpoint blocked: %v", err)
	}
}
