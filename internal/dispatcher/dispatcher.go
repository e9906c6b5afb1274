// Package dispatcher is the worker pool behind the event queue: it hands
// each event and its payload to the function runtime and reports the outcome
// back to the enqueuer that produced the event.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/metrics"
)

var defaultBackoff = []time.Duration{
	0,
	500 * time.Millisecond,
	2 * time.Second,
	5 * time.Second,
}

const maxAttempts = 4

// DefaultDrainTimeout bounds the drain compensations of one batch.
const DefaultDrainTimeout = 30 * time.Second

var ErrNoPayload = errors.New("event has no payload")

type Queue interface {
	Dequeue(ctx context.Context) (domain.Event, error)
	TakeAll() []domain.Event
}

// Registry is the enqueuer side of the pool. *enqueuer.Registry satisfies it.
type Registry interface {
	Payload(event domain.Event) (any, bool)
	Complete(event domain.Event, result enqueuer.Result) error
	Drain(ctx context.Context, events []domain.Event) error
}

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

type Breaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type WebhookRequest struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	Payload   WebhookPayload
	AttemptID string
}

type WebhookPayload struct {
	Event   domain.Event `json:"event"`
	Payload any          `json:"payload"`
}

type WebhookResult struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Error      error
	Duration   time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports whether the runtime itself looked unavailable. Any
// other status is the function's answer and goes back to the caller.
func (r WebhookResult) IsRetryable() bool {
	if r.Error != nil {
		return true
	}
	switch r.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type Config struct {
	URL     string
	Secret  string
	Workers int
}

type Dispatcher struct {
	queue    Queue
	registry Registry
	sender   WebhookSender
	url      string
	secret   string
	workers  int
	breaker  Breaker     // optional, nil = disabled
	metrics  MetricsSink // optional, nil = disabled
	backoff  []time.Duration

	drainTimeout time.Duration
}

func New(queue Queue, registry Registry, sender WebhookSender, cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		sender:   sender,
		url:      cfg.URL,
		secret:   cfg.Secret,
		workers:  workers,
		backoff:  defaultBackoff,

		drainTimeout: DefaultDrainTimeout,
	}
}

// WithDrainTimeout bounds each drain compensation.
func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.drainTimeout = timeout
	}
	return d
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithBackoff replaces the retry schedule; entry i is waited before attempt i+1.
func (d *Dispatcher) WithBackoff(backoff []time.Duration) *Dispatcher {
	if len(backoff) > 0 {
		d.backoff = backoff
	}
	return d
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed. Events still queued afterwards are drained to their enqueuers.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	d.drain()
}

func (d *Dispatcher) work(ctx context.Context) {
	for ctx.Err() == nil {
		event, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := d.Dispatch(ctx, event); err != nil {
			log.Printf("dispatcher: error: %v", err)
		}
	}
}

// drain hands every event left in the queue to its enqueuer after shutdown.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain() {
	events := d.queue.TakeAll()
	if len(events) == 0 {
		return
	}
	d.compensate(events)
	log.Printf("dispatcher: drain complete, %d events handed back", len(events))
}

func (d *Dispatcher) compensate(events []domain.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	if d.metrics != nil {
		for range events {
			d.metrics.DeliveryOutcome(metrics.OutcomeDrained)
		}
	}
	if err := d.registry.Drain(drainCtx, events); err != nil {
		log.Printf("dispatcher: drain error: %v", err)
	}
}

// Dispatch invokes the runtime for one event. A runtime answer completes the
// event; an unreachable runtime, an open circuit or shutdown drains it.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	payload, ok := d.registry.Payload(event)
	if !ok {
		// the enqueuer already gave the event up (client cancelled)
		return fmt.Errorf("%s event %s: %w", event.Type, event.ID, ErrNoPayload)
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(d.url); err != nil {
			log.Printf("dispatcher: event=%s type=%s circuit open, draining", event.ID, event.Type)
			d.compensate([]domain.Event{event})
			return err
		}
	}

	req := WebhookRequest{
		URL:     d.url,
		Secret:  d.secret,
		Timeout: event.Target.TimeoutDuration(),
		Payload: WebhookPayload{Event: event, Payload: payload},
	}

	var lastResult WebhookResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			log.Printf("dispatcher: event=%s attempt=%d backoff=%s", event.ID, attempt, backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				d.compensate([]domain.Event{event})
				return ctx.Err()
			case <-timer.C:
			}
		}

		req.AttemptID = uuid.NewString()
		result := d.sender.Send(ctx, req)
		lastResult = result

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
		}

		if !result.IsRetryable() {
			d.answer(event, result)
			return nil
		}

		log.Printf("dispatcher: event=%s attempt=%d failed status=%d err=%v", event.ID, attempt, result.StatusCode, result.Error)
		if ctx.Err() != nil {
			d.compensate([]domain.Event{event})
			return ctx.Err()
		}
	}

	log.Printf("dispatcher: event=%s type=%s runtime unavailable status=%d err=%v, draining", event.ID, event.Type, lastResult.StatusCode, lastResult.Error)
	if d.breaker != nil {
		d.breaker.RecordFailure(d.url)
	}
	d.compensate([]domain.Event{event})
	return nil
}

// answer completes event with the runtime's response.
func (d *Dispatcher) answer(event domain.Event, result WebhookResult) {
	if d.breaker != nil {
		d.breaker.RecordSuccess(d.url)
	}

	outcome := metrics.OutcomeSuccess
	if !result.IsSuccess() {
		outcome = metrics.OutcomeFailed
	}
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(outcome)
	}
	log.Printf("dispatcher: event=%s type=%s completed status=%d", event.ID, event.Type, result.StatusCode)

	err := d.registry.Complete(event, enqueuer.Result{
		Status:  result.StatusCode,
		Headers: result.Headers,
		Body:    result.Body,
	})
	if err != nil {
		log.Printf("dispatcher: complete event=%s: %v", event.ID, err)
	}
}
