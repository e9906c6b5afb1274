package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) QueueSizeUpdate(size int)                                                  {}
func (n *NoopSink) EventEnqueued(eventType string)                                            {}
func (n *NoopSink) EnqueueError()                                                             {}
func (n *NoopSink) SubscriptionsUpdate(eventType string, count int)                           {}
func (n *NoopSink) SubscriptionFailed(eventType string)                                       {}
func (n *NoopSink) ReconnectAttempt(eventType string)                                         {}
func (n *NoopSink) EventsDrained(eventType string, count int)                                 {}
func (n *NoopSink) EventCancelled(eventType string)                                           {}
func (n *NoopSink) ClaimAttempt(kind string, won bool)                                        {}
func (n *NoopSink) JobShifted(kind string)                                                    {}
func (n *NoopSink) JobRecordMissing(kind string)                                              {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) JobsPruned(count int)                                                      {}
func (n *NoopSink) PruneCycleCompleted(duration time.Duration, err error)                     {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}
