package dispatcher

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-trigger/internal/circuitbreaker"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
	"github.com/djlord-it/easy-trigger/internal/testutil"
)

const runtimeURL = "http://runtime.local/invoke"

// mockRegistry records completions and drains.
type mockRegistry struct {
	mu        sync.Mutex
	payloads  map[string]any
	completed map[string]enqueuer.Result
	drained   []domain.Event
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		payloads:  make(map[string]any),
		completed: make(map[string]enqueuer.Result),
	}
}

func (r *mockRegistry) add(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[event.ID] = map[string]string{"event": event.ID}
}

func (r *mockRegistry) Payload(event domain.Event) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payloads[event.ID]
	return p, ok
}

func (r *mockRegistry) Complete(event domain.Event, result enqueuer.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[event.ID] = result
	return nil
}

func (r *mockRegistry) Drain(ctx context.Context, events []domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained = append(r.drained, events...)
	return nil
}

func (r *mockRegistry) result(id string) (enqueuer.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.completed[id]
	return res, ok
}

func (r *mockRegistry) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *mockRegistry) drainedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, e := range r.drained {
		ids = append(ids, e.ID)
	}
	return ids
}

// mockSender simulates runtime responses with configurable results.
type mockSender struct {
	mu       sync.Mutex
	results  []WebhookResult
	index    int
	calls    int
	requests []WebhookRequest
}

func (s *mockSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.index < len(s.results) {
		result := s.results[s.index]
		s.index++
		return result
	}
	// Default: success
	return WebhookResult{StatusCode: 200, Duration: 10 * time.Millisecond}
}

func (s *mockSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *mockSender) lastRequest() WebhookRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type mockMetrics struct {
	mu       sync.Mutex
	attempts []string
	outcomes []string
	retries  int
	inFlight int
}

func (m *mockMetrics) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, statusClass)
}

func (m *mockMetrics) DeliveryOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockMetrics) RetryAttempt(retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *mockMetrics) EventsInFlightIncr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
}

func (m *mockMetrics) EventsInFlightDecr() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

var noBackoff = []time.Duration{0, 0, 0, 0}

func newEvent(r *mockRegistry) domain.Event {
	event := domain.NewEvent(domain.EventTypeHTTP, testutil.Target("/fn/orders", "create"))
	r.add(event)
	return event
}

func newDispatcher(r *mockRegistry, s *mockSender) *Dispatcher {
	return New(queue.NewEventQueue(), r, s, Config{URL: runtimeURL, Secret: "s3cret", Workers: 2}).WithBackoff(noBackoff)
}

func TestDispatcher_SuccessCompletesEvent(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{{
		StatusCode: 201,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"id":1}`),
	}}}
	m := &mockMetrics{}
	disp := newDispatcher(reg, sender).WithMetrics(m)

	event := newEvent(reg)
	if err := disp.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res, ok := reg.result(event.ID)
	if !ok {
		t.Fatal("event not completed")
	}
	if res.Status != 201 || string(res.Body) != `{"id":1}` || res.Headers["Content-Type"] != "application/json" {
		t.Errorf("result = %+v", res)
	}

	req := sender.lastRequest()
	if req.URL != runtimeURL || req.Secret != "s3cret" || req.Payload.Event.ID != event.ID {
		t.Errorf("request = %+v", req)
	}
	if req.Payload.Payload == nil {
		t.Error("payload not forwarded")
	}

	if len(m.outcomes) != 1 || m.outcomes[0] != "success" {
		t.Errorf("outcomes = %v", m.outcomes)
	}
	if m.inFlight != 0 {
		t.Errorf("in-flight gauge = %d after dispatch", m.inFlight)
	}
}

func TestDispatcher_FunctionErrorIsAnAnswer(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{{StatusCode: 500, Body: []byte("boom")}}}
	m := &mockMetrics{}
	disp := newDispatcher(reg, sender).WithMetrics(m)

	event := newEvent(reg)
	if err := disp.Dispatch(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	if sender.callCount() != 1 {
		t.Errorf("attempts = %d, want 1", sender.callCount())
	}
	if res, ok := reg.result(event.ID); !ok || res.Status != 500 || !res.Failed() {
		t.Errorf("result = %+v, %v", res, ok)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "failed" {
		t.Errorf("outcomes = %v", m.outcomes)
	}
}

func TestDispatcher_RetryBoundedThenDrained(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{
		{StatusCode: 503},
		{StatusCode: 502},
		{Error: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}},
		{StatusCode: 429},
		{StatusCode: 200}, // should never reach this
	}}
	m := &mockMetrics{}
	disp := newDispatcher(reg, sender).WithMetrics(m)

	event := newEvent(reg)
	if err := disp.Dispatch(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	if sender.callCount() != maxAttempts {
		t.Errorf("attempts = %d, want %d", sender.callCount(), maxAttempts)
	}
	if _, ok := reg.result(event.ID); ok {
		t.Error("exhausted event was completed")
	}
	if ids := reg.drainedIDs(); len(ids) != 1 || ids[0] != event.ID {
		t.Errorf("drained = %v", ids)
	}
	if m.retries != maxAttempts-1 {
		t.Errorf("retries = %d", m.retries)
	}
	if len(m.outcomes) != 1 || m.outcomes[0] != "drained" {
		t.Errorf("outcomes = %v", m.outcomes)
	}
	if m.attempts[2] != "connection_error" {
		t.Errorf("attempt classes = %v", m.attempts)
	}
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{
		{StatusCode: 503},
		{Error: errors.New("context deadline exceeded")},
		{StatusCode: 200, Body: []byte("ok")},
	}}
	disp := newDispatcher(reg, sender)

	event := newEvent(reg)
	if err := disp.Dispatch(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if sender.callCount() != 3 {
		t.Errorf("attempts = %d, want 3", sender.callCount())
	}
	if res, ok := reg.result(event.ID); !ok || string(res.Body) != "ok" {
		t.Errorf("result = %+v, %v", res, ok)
	}
	if len(reg.drainedIDs()) != 0 {
		t.Error("successful event drained")
	}
}

func TestDispatcher_MissingPayloadSkipsRuntime(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{}
	disp := newDispatcher(reg, sender)

	event := domain.NewEvent(domain.EventTypeHTTP, testutil.Target("/fn/orders", "create"))
	if err := disp.Dispatch(context.Background(), event); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("Dispatch = %v, want ErrNoPayload", err)
	}
	if sender.callCount() != 0 {
		t.Error("runtime called for a cancelled event")
	}
}

func TestDispatcher_CircuitOpenDrains(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{
		{StatusCode: 503}, {StatusCode: 503}, {StatusCode: 503}, {StatusCode: 503},
	}}
	breaker := circuitbreaker.New(1, time.Hour)
	disp := newDispatcher(reg, sender).WithBreaker(breaker)

	first := newEvent(reg)
	disp.Dispatch(context.Background(), first)
	if s := breaker.State(runtimeURL); s != "open" {
		t.Fatalf("breaker state = %s after exhausted retries", s)
	}

	second := newEvent(reg)
	if err := disp.Dispatch(context.Background(), second); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("Dispatch = %v, want ErrCircuitOpen", err)
	}
	if sender.callCount() != maxAttempts {
		t.Errorf("runtime called %d times, want %d", sender.callCount(), maxAttempts)
	}
	if ids := reg.drainedIDs(); len(ids) != 2 || ids[1] != second.ID {
		t.Errorf("drained = %v", ids)
	}
}

func TestDispatcher_ShutdownDuringBackoffDrains(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{results: []WebhookResult{{StatusCode: 503}}}
	disp := newDispatcher(reg, sender).WithBackoff([]time.Duration{0, time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	event := newEvent(reg)

	done := make(chan error, 1)
	go func() { done <- disp.Dispatch(ctx, event) }()

	testutil.WaitFor(t, time.Second, func() bool { return sender.callCount() == 1 }, "first attempt not sent")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Dispatch = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after cancel")
	}
	if ids := reg.drainedIDs(); len(ids) != 1 {
		t.Errorf("drained = %v", ids)
	}
}

func TestDispatcher_TimeoutForwardedFromTarget(t *testing.T) {
	reg := newMockRegistry()
	sender := &mockSender{}
	disp := newDispatcher(reg, sender)

	target := testutil.Target("/fn/slow", "run")
	target.Context.Timeout = 12
	event := domain.NewEvent(domain.EventTypeSchedule, target)
	reg.add(event)

	disp.Dispatch(context.Background(), event)
	if got := sender.lastRequest().Timeout; got != 12*time.Second {
		t.Errorf("timeout = %s, want 12s", got)
	}
}

func TestDispatcher_RunProcessesQueue(t *testing.T) {
	reg := newMockRegistry()
	q := queue.NewEventQueue()
	disp := New(q, reg, &mockSender{}, Config{URL: runtimeURL, Workers: 3})

	for i := 0; i < 10; i++ {
		q.Enqueue(newEvent(reg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		disp.Run(ctx)
	}()

	testutil.WaitFor(t, 2*time.Second, func() bool { return reg.completedCount() == 10 }, "events not completed")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDispatcher_RunDrainsOnShutdown(t *testing.T) {
	reg := newMockRegistry()
	q := queue.NewEventQueue()
	sender := &mockSender{}
	disp := New(q, reg, sender, Config{URL: runtimeURL, Workers: 2})

	for i := 0; i < 3; i++ {
		q.Enqueue(newEvent(reg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	disp.Run(ctx)

	if n := len(reg.drainedIDs()); n != 3 {
		t.Errorf("drained %d events, want 3", n)
	}
	if sender.callCount() != 0 {
		t.Errorf("runtime called %d times after shutdown", sender.callCount())
	}
	if q.Len() != 0 {
		t.Error("queue not emptied")
	}
}

func TestWebhookResult_IsRetryable(t *testing.T) {
	tests := []struct {
		result WebhookResult
		want   bool
	}{
		{WebhookResult{StatusCode: 200}, false},
		{WebhookResult{StatusCode: 404}, false},
		{WebhookResult{StatusCode: 500}, false},
		{WebhookResult{StatusCode: 429}, true},
		{WebhookResult{StatusCode: 502}, true},
		{WebhookResult{StatusCode: 503}, true},
		{WebhookResult{StatusCode: 504}, true},
		{WebhookResult{Error: errors.New("reset")}, true},
	}
	for _, tt := range tests {
		if got := tt.result.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%+v) = %v, want %v", tt.result, got, tt.want)
		}
	}
}
