// Package cluster replicates enqueuer state between dispatcher nodes.
//
// Two patterns share one broadcast channel:
//
//   - SYNC mirrors subscribe/unsubscribe calls to every peer. Peers apply the
//     call locally and never re-broadcast it, so a command is applied once per
//     node.
//   - SHIFT hands a released job record to the cluster after its event was
//     drained. Every peer that can replay the record's kind races on a shift
//     claim; only the winner replays. The sender joins the race only after
//     its self-replay delay, so a node whose runtime is unavailable does not
//     immediately take back the job it just gave up. The sender then releases
//     the shift claim.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/domain"
)

var ErrNotStarted = errors.New("commander not started")

// DefaultSelfReplayDelay is how long the sender of a shift waits before it
// may replay the job itself.
const DefaultSelfReplayDelay = 30 * time.Second

type Kind string

const (
	KindSync  Kind = "sync"
	KindShift Kind = "shift"
)

// Command is the wire format of the bus.
type Command struct {
	Node   string           `json:"node"`
	Kind   Kind             `json:"kind"`
	Target domain.EventType `json:"target"`
	Method string           `json:"method,omitempty"`
	Args   json.RawMessage  `json:"args,omitempty"`
	Job    *claim.JobRecord `json:"job,omitempty"`
}

type SyncHandler func(ctx context.Context, args json.RawMessage) error

type ShiftHandler func(ctx context.Context, rec claim.JobRecord) error

// MetricsSink defines the interface for recording bus metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobShifted(kind string)
}

// ShiftKey is the idempotency key peers race on when replaying rec.
func ShiftKey(rec claim.JobRecord) string {
	return rec.Key + ":shift:" + rec.EventID
}

type Commander struct {
	node      string
	transport Transport
	ledger    claim.Store
	metrics   MetricsSink
	now       func() time.Time
	selfDelay time.Duration

	mu     sync.RWMutex
	syncs  map[string]SyncHandler
	shifts map[domain.EventType]ShiftHandler
	ctx    context.Context
	stop   func()

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a commander for node. ledger may be nil, in which case every
// node that receives a shift replays it; only use that with a single node.
func New(node string, transport Transport, ledger claim.Store) *Commander {
	return &Commander{
		node:      node,
		transport: transport,
		ledger:    ledger,
		now:       time.Now,
		selfDelay: DefaultSelfReplayDelay,
		syncs:     make(map[string]SyncHandler),
		shifts:    make(map[domain.EventType]ShiftHandler),
		closed:    make(chan struct{}),
	}
}

// WithSelfReplayDelay sets how long this node waits before replaying a job it
// shifted itself. Non-positive values are ignored.
func (c *Commander) WithSelfReplayDelay(d time.Duration) *Commander {
	if d > 0 {
		c.selfDelay = d
	}
	return c
}

// WithMetrics attaches a metrics sink to the commander.
func (c *Commander) WithMetrics(sink MetricsSink) *Commander {
	c.metrics = sink
	return c
}

func (c *Commander) Node() string {
	return c.node
}

func syncKey(target domain.EventType, method string) string {
	return string(target) + "." + method
}

// HandleSync registers the local implementation of a replicated method.
func (c *Commander) HandleSync(target domain.EventType, method string, fn SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs[syncKey(target, method)] = fn
}

// HandleShift registers the replay function for records of kind.
func (c *Commander) HandleShift(kind domain.EventType, fn ShiftHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shifts[kind] = fn
}

// Start subscribes to the transport. Handlers run with ctx; once ctx is done
// the node keeps publishing but no longer replays shifted jobs.
func (c *Commander) Start(ctx context.Context) error {
	stop, err := c.transport.Subscribe(ctx, func(payload []byte) {
		c.receive(payload)
	})
	if err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.stop = stop
	c.mu.Unlock()

	log.Printf("cluster: node %s joined command bus", c.node)
	return nil
}

// Close stops receiving commands and abandons pending self-replays.
func (c *Commander) Close() {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		log.Printf("cluster: node %s left command bus", c.node)
	}
}

// Sync broadcasts method(args) to every peer.
func (c *Commander) Sync(ctx context.Context, target domain.EventType, method string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("cluster: encode %s args: %w", syncKey(target, method), err)
	}
	return c.publish(ctx, Command{
		Node:   c.node,
		Kind:   KindSync,
		Target: target,
		Method: method,
		Args:   raw,
	})
}

// Shift offers a released job record to the cluster for replay.
func (c *Commander) Shift(ctx context.Context, rec claim.JobRecord) error {
	if err := c.publish(ctx, Command{
		Node:   c.node,
		Kind:   KindShift,
		Target: rec.Kind,
		Job:    &rec,
	}); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.JobShifted(string(rec.Kind))
	}
	return nil
}

func (c *Commander) publish(ctx context.Context, cmd Command) error {
	c.mu.RLock()
	started := c.stop != nil
	c.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("cluster: encode command: %w", err)
	}
	if err := c.transport.Publish(ctx, payload); err != nil {
		return fmt.Errorf("cluster: publish %s: %w", cmd.Kind, err)
	}
	return nil
}

func (c *Commander) receive(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("cluster: dropping malformed command: %v", err)
		return
	}

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	switch cmd.Kind {
	case KindSync:
		c.applySync(ctx, cmd)
	case KindShift:
		// A node that is shutting down leaves replays to its peers.
		if ctx.Err() != nil {
			return
		}
		if cmd.Node == c.node {
			go c.replayOwn(ctx, cmd)
			return
		}
		c.applyShift(ctx, cmd)
	default:
		log.Printf("cluster: unknown command kind %q from node %s", cmd.Kind, cmd.Node)
	}
}

func (c *Commander) applySync(ctx context.Context, cmd Command) {
	if cmd.Node == c.node {
		return
	}

	c.mu.RLock()
	fn, ok := c.syncs[syncKey(cmd.Target, cmd.Method)]
	c.mu.RUnlock()
	if !ok {
		return
	}

	if err := fn(ctx, cmd.Args); err != nil {
		log.Printf("cluster: sync %s from node %s failed: %v", syncKey(cmd.Target, cmd.Method), cmd.Node, err)
	}
}

// replayOwn runs the sender's side of a shift. After the delay it races on
// the shift claim like any peer, then releases the claim: every peer had its
// chance by now.
func (c *Commander) replayOwn(ctx context.Context, cmd Command) {
	timer := time.NewTimer(c.selfDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-c.closed:
		return
	case <-timer.C:
	}

	marker, handled := c.applyShift(ctx, cmd)
	if !handled || c.ledger == nil {
		return
	}
	if _, _, err := c.ledger.ReleaseAndFetch(ctx, marker.EventID); err != nil {
		log.Printf("cluster: release of shift claim %s failed: %v", marker.Key, err)
	}
}

// applyShift races on the shift claim of cmd's job and replays it when this
// node wins. handled is false when the job cannot be replayed here.
func (c *Commander) applyShift(ctx context.Context, cmd Command) (marker claim.JobRecord, handled bool) {
	if cmd.Job == nil {
		log.Printf("cluster: shift from node %s carries no job", cmd.Node)
		return claim.JobRecord{}, false
	}
	rec := *cmd.Job

	c.mu.RLock()
	fn, ok := c.shifts[rec.Kind]
	c.mu.RUnlock()
	if !ok {
		return claim.JobRecord{}, false
	}

	marker = claim.JobRecord{
		Key:       ShiftKey(rec),
		EventID:   "shift:" + rec.EventID,
		Kind:      rec.Kind,
		Target:    rec.Target,
		Owner:     c.node,
		CreatedAt: c.now().UTC(),
	}
	won, err := claim.Do(ctx, c.ledger, marker, func() error {
		return fn(ctx, rec)
	})
	if err != nil {
		log.Printf("cluster: replay of job %s (event=%s) failed: %v", rec.Key, rec.EventID, err)
		return marker, true
	}
	if won {
		log.Printf("cluster: node %s replayed job %s (event=%s, from=%s)", c.node, rec.Key, rec.EventID, cmd.Node)
	}
	return marker, true
}
