package metrics

import (
	"context"
	"errors"
	"net"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Queue metrics
	QueueSizeUpdate(size int)
	EventEnqueued(eventType string)
	EnqueueError()

	// Enqueuer metrics
	SubscriptionsUpdate(eventType string, count int)
	SubscriptionFailed(eventType string)
	ReconnectAttempt(eventType string)
	EventsDrained(eventType string, count int)
	EventCancelled(eventType string)

	// Claim ledger metrics
	ClaimAttempt(kind string, won bool)
	JobShifted(kind string)
	JobRecordMissing(kind string)

	// Dispatcher metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Janitor metrics
	JobsPruned(count int)
	PruneCycleCompleted(duration time.Duration, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeDrained = "drained"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps the outcome of one runtime invocation to a status
// class. Transport errors win over the status code.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusClassTimeout
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return StatusClassConnectionError
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
