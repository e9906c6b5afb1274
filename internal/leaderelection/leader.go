// Package leaderelection elects one replica to run cluster-wide duties,
// such as the ledger janitor, using a Postgres advisory lock.
//
// The lock is session-scoped and held for the lifetime of a dedicated
// connection; there is no renewal or TTL. If the connection dies, Postgres
// releases the lock server-side.
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// Session is one dedicated lock-holding connection.
type Session interface {
	TryLock(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Locker opens lock sessions.
type Locker interface {
	Open(ctx context.Context) (Session, error)
}

// Duty is work that must only run on the leader. It must return once ctx
// is cancelled.
type Duty func(ctx context.Context)

// Elector runs a Duty while this replica holds the lock.
type Elector struct {
	locker            Locker
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping the session
	duty              Duty
	metrics           MetricsSink
	leader            atomic.Bool
}

// New creates a new Elector.
func New(locker Locker, retryInterval, heartbeatInterval time.Duration, duty Duty) *Elector {
	return &Elector{
		locker:            locker,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duty:              duty,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run starts the election loop. It blocks until ctx is cancelled and the
// duty, if running, has returned.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (retry=%s, heartbeat=%s)", e.retryInterval, e.heartbeatInterval)

	for {
		reason := e.runOnce(ctx)
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to take the lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.locker.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: failed to open lock session: %v", err)
		}
		return ""
	}
	defer session.Close()

	acquired, err := session.TryLock(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("leader: lock attempt failed: %v", err)
		}
		return ""
	}
	if !acquired {
		return ""
	}

	log.Println("leader: acquired lock")
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	dutyCtx, stopDuty := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.duty(dutyCtx)
	}()

	reason := e.hold(ctx, session)

	stopDuty()
	wg.Wait()
	e.leader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	log.Println("leader: released lock")
	return reason
}

// hold blocks while pinging the session and returns why it stopped.
func (e *Elector) hold(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: session ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
