package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Queue metrics
	queueSize          prometheus.Gauge
	eventsEnqueued     *prometheus.CounterVec
	enqueueErrorsTotal prometheus.Counter

	// Enqueuer metrics
	subscriptions        *prometheus.GaugeVec
	subscriptionFailures *prometheus.CounterVec
	reconnectAttempts    *prometheus.CounterVec
	eventsDrained        *prometheus.CounterVec
	eventsCancelled      *prometheus.CounterVec

	// Claim ledger metrics
	claimAttempts  *prometheus.CounterVec
	jobsShifted    *prometheus.CounterVec
	recordsMissing *prometheus.CounterVec

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	eventsInFlight        prometheus.Gauge

	// Janitor metrics
	jobsPrunedTotal  prometheus.Counter
	pruneDuration    prometheus.Histogram
	pruneErrorsTotal prometheus.Counter

	// Leader metrics
	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initQueueMetrics(reg)
	s.initEnqueuerMetrics(reg)
	s.initClaimMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initJanitorMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_queue_size",
		Help: "Current number of events waiting in the dispatch queue.",
	})
	s.eventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_queue_events_enqueued_total",
		Help: "Total number of events pushed onto the dispatch queue.",
	}, []string{"type"})
	s.enqueueErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_queue_enqueue_errors_total",
		Help: "Total number of rejected enqueues (queue full or closed).",
	})

	s.register(reg, s.queueSize, "easytrigger_queue_size")
	s.register(reg, s.eventsEnqueued, "easytrigger_queue_events_enqueued_total")
	s.register(reg, s.enqueueErrorsTotal, "easytrigger_queue_enqueue_errors_total")
}

func (s *PrometheusSink) initEnqueuerMetrics(reg prometheus.Registerer) {
	s.subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "easytrigger_enqueuer_subscriptions",
		Help: "Number of live subscriptions per enqueuer.",
	}, []string{"type"})
	s.subscriptionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_enqueuer_subscription_failures_total",
		Help: "Total number of subscriptions marked closed after a connect or bind failure.",
	}, []string{"type"})
	s.reconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_enqueuer_reconnect_attempts_total",
		Help: "Total number of reconnect attempts for closed subscriptions.",
	}, []string{"type"})
	s.eventsDrained = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_enqueuer_events_drained_total",
		Help: "Total number of events reported as drained to their enqueuer.",
	}, []string{"type"})
	s.eventsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_enqueuer_events_cancelled_total",
		Help: "Total number of events withdrawn because the caller went away.",
	}, []string{"type"})

	s.register(reg, s.subscriptions, "easytrigger_enqueuer_subscriptions")
	s.register(reg, s.subscriptionFailures, "easytrigger_enqueuer_subscription_failures_total")
	s.register(reg, s.reconnectAttempts, "easytrigger_enqueuer_reconnect_attempts_total")
	s.register(reg, s.eventsDrained, "easytrigger_enqueuer_events_drained_total")
	s.register(reg, s.eventsCancelled, "easytrigger_enqueuer_events_cancelled_total")
}

func (s *PrometheusSink) initClaimMetrics(reg prometheus.Registerer) {
	s.claimAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_claim_attempts_total",
		Help: "Total number of idempotency claims, labelled by result.",
	}, []string{"kind", "result"})
	s.jobsShifted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_claim_jobs_shifted_total",
		Help: "Total number of job records handed to peers for replay.",
	}, []string{"kind"})
	s.recordsMissing = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_claim_records_missing_total",
		Help: "Total number of drained events whose job record was already gone.",
	}, []string{"kind"})

	s.register(reg, s.claimAttempts, "easytrigger_claim_attempts_total")
	s.register(reg, s.jobsShifted, "easytrigger_claim_jobs_shifted_total")
	s.register(reg, s.recordsMissing, "easytrigger_claim_records_missing_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_dispatcher_delivery_attempts_total",
		Help: "Total number of runtime delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per event.",
	}, []string{"outcome"})

	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easytrigger_dispatcher_runtime_duration_seconds",
		Help:    "Runtime request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "easytrigger_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "easytrigger_dispatcher_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "easytrigger_dispatcher_runtime_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "easytrigger_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "easytrigger_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initJanitorMetrics(reg prometheus.Registerer) {
	s.jobsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_janitor_jobs_pruned_total",
		Help: "Total number of expired job records removed by the janitor.",
	})
	s.pruneDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easytrigger_janitor_cycle_duration_seconds",
		Help:    "Duration of each janitor cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.pruneErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_janitor_cycle_errors_total",
		Help: "Total number of failed janitor cycles.",
	})

	s.register(reg, s.jobsPrunedTotal, "easytrigger_janitor_jobs_pruned_total")
	s.register(reg, s.pruneDuration, "easytrigger_janitor_cycle_duration_seconds")
	s.register(reg, s.pruneErrorsTotal, "easytrigger_janitor_cycle_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_leader_is_leader",
		Help: "1 when this instance holds the janitor lock, 0 otherwise.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_leader_lost_total",
		Help: "Total number of times leadership was lost.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "easytrigger_leader_is_leader")
	s.register(reg, s.leaderAcquired, "easytrigger_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easytrigger_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Queue metrics implementation

func (s *PrometheusSink) QueueSizeUpdate(size int) {
	s.queueSize.Set(float64(size))
}

func (s *PrometheusSink) EventEnqueued(eventType string) {
	s.eventsEnqueued.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) EnqueueError() {
	s.enqueueErrorsTotal.Inc()
}

// Enqueuer metrics implementation

func (s *PrometheusSink) SubscriptionsUpdate(eventType string, count int) {
	s.subscriptions.WithLabelValues(eventType).Set(float64(count))
}

func (s *PrometheusSink) SubscriptionFailed(eventType string) {
	s.subscriptionFailures.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) ReconnectAttempt(eventType string) {
	s.reconnectAttempts.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) EventsDrained(eventType string, count int) {
	s.eventsDrained.WithLabelValues(eventType).Add(float64(count))
}

func (s *PrometheusSink) EventCancelled(eventType string) {
	s.eventsCancelled.WithLabelValues(eventType).Inc()
}

// Claim ledger metrics implementation

func (s *PrometheusSink) ClaimAttempt(kind string, won bool) {
	result := "lost"
	if won {
		result = "won"
	}
	s.claimAttempts.WithLabelValues(kind, result).Inc()
}

func (s *PrometheusSink) JobShifted(kind string) {
	s.jobsShifted.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) JobRecordMissing(kind string) {
	s.recordsMissing.WithLabelValues(kind).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// Janitor metrics implementation

func (s *PrometheusSink) JobsPruned(count int) {
	s.jobsPrunedTotal.Add(float64(count))
}

func (s *PrometheusSink) PruneCycleCompleted(duration time.Duration, err error) {
	s.pruneDuration.Observe(duration.Seconds())
	if err != nil {
		s.pruneErrorsTotal.Inc()
	}
}

// Leader metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
