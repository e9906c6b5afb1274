package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_QueueMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventEnqueued("HTTP")
	sink.EventEnqueued("HTTP")
	sink.EventEnqueued("SCHEDULE")
	sink.EnqueueError()
	sink.QueueSizeUpdate(42)

	if val := getCounterVecValue(t, reg, "easytrigger_queue_events_enqueued_total",
		map[string]string{"type": "HTTP"}); val != 2 {
		t.Errorf("enqueued{type=HTTP} = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "easytrigger_queue_enqueue_errors_total"); val != 1 {
		t.Errorf("enqueue_errors_total = %v, want 1", val)
	}
	if val := getGaugeValue(t, reg, "easytrigger_queue_size"); val != 42 {
		t.Errorf("queue_size = %v, want 42", val)
	}
}

func TestPrometheusSink_ClaimAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ClaimAttempt("SCHEDULE", true)
	sink.ClaimAttempt("SCHEDULE", false)
	sink.ClaimAttempt("SCHEDULE", false)

	won := getCounterVecValue(t, reg, "easytrigger_claim_attempts_total",
		map[string]string{"kind": "SCHEDULE", "result": "won"})
	if won != 1 {
		t.Errorf("result=won = %v, want 1", won)
	}
	lost := getCounterVecValue(t, reg, "easytrigger_claim_attempts_total",
		map[string]string{"kind": "SCHEDULE", "result": "lost"})
	if lost != 2 {
		t.Errorf("result=lost = %v, want 2", lost)
	}
}

func TestPrometheusSink_EventsDrained(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsDrained("HTTP", 3)
	sink.EventsDrained("HTTP", 2)

	val := getCounterVecValue(t, reg, "easytrigger_enqueuer_events_drained_total",
		map[string]string{"type": "HTTP"})
	if val != 5 {
		t.Errorf("events_drained{type=HTTP} = %v, want 5", val)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, "2xx", 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, "5xx", 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "easytrigger_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "1", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("attempt=1,status=2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "easytrigger_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "2", "status_class": "5xx"})
	if val2 != 1 {
		t.Errorf("attempt=2,status=5xx = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSuccess)
	sink.DeliveryOutcome(OutcomeDrained)
	sink.DeliveryOutcome(OutcomeSuccess)

	successVal := getCounterVecValue(t, reg, "easytrigger_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "success"})
	if successVal != 2 {
		t.Errorf("outcome=success = %v, want 2", successVal)
	}

	drainedVal := getCounterVecValue(t, reg, "easytrigger_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "drained"})
	if drainedVal != 1 {
		t.Errorf("outcome=drained = %v, want 1", drainedVal)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	val := getGaugeValue(t, reg, "easytrigger_dispatcher_events_in_flight")
	if val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_JanitorMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobsPruned(7)
	sink.PruneCycleCompleted(time.Second, nil)
	sink.PruneCycleCompleted(time.Second, errors.New("db error"))

	if val := getCounterValue(t, reg, "easytrigger_janitor_jobs_pruned_total"); val != 7 {
		t.Errorf("jobs_pruned_total = %v, want 7", val)
	}
	if val := getCounterValue(t, reg, "easytrigger_janitor_cycle_errors_total"); val != 1 {
		t.Errorf("cycle_errors_total = %v, want 1", val)
	}
}

func TestPrometheusSink_LeaderStatus(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	if val := getGaugeValue(t, reg, "easytrigger_leader_is_leader"); val != 1 {
		t.Errorf("is_leader = %v, want 1", val)
	}
	sink.LeaderStatusChanged(false)
	if val := getGaugeValue(t, reg, "easytrigger_leader_is_leader"); val != 0 {
		t.Errorf("is_leader = %v, want 0", val)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	// Second registration will fail for all metrics, but should not panic.
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// Verify PrometheusSink implements Sink interface.
var _ Sink = (*PrometheusSink)(nil)
