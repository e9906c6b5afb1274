package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-trigger/internal/claim"
	"github.com/djlord-it/easy-trigger/internal/cluster"
	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
	"github.com/djlord-it/easy-trigger/internal/queue"
	"github.com/djlord-it/easy-trigger/internal/testutil"
)

type node struct {
	enqueuer  *Enqueuer
	queue     *queue.EventQueue
	commander *cluster.Commander
	ledger    *claim.MemoryStore
}

// newCluster builds n schedule enqueuers sharing one ledger, one command bus
// and one clock.
func newCluster(t *testing.T, n int, clock *testutil.FakeClock) []*node {
	t.Helper()
	ledger := claim.NewMemoryStore()
	hub := cluster.NewMemoryHub()
	ctx := testutil.TestContext(t)

	var nodes []*node
	for i := 0; i < n; i++ {
		q := queue.NewEventQueue()
		c := cluster.New(string(rune('a'+i)), hub, ledger)
		e := New(enqueuer.Deps{Queue: q, Ledger: ledger, Commander: c, Now: clock.Now})
		if err := c.Start(ctx); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(c.Close)
		nodes = append(nodes, &node{enqueuer: e, queue: q, commander: c, ledger: ledger})
	}
	return nodes
}

func firstJob(t *testing.T, e *Enqueuer) *enqueuer.Entry[*job] {
	t.Helper()
	all := e.jobs.All()
	if len(all) == 0 {
		t.Fatal("no job subscribed")
	}
	return all[0]
}

func TestIdempotencyKey(t *testing.T) {
	target := testutil.Target("/fn/report", "run")
	opts := Options{Frequency: "* * * * * *", Timezone: "UTC"}
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey(target, opts, at)
	k2 := IdempotencyKey(target, opts, at.Add(time.Second))
	if k1 == k2 {
		t.Errorf("ticks one second apart share key %q", k1)
	}
	if k1 != IdempotencyKey(target, opts, at) {
		t.Error("same tick must produce the same key")
	}
	if want := "/fn/report-run-* * * * * *-UTC-1705312800"; k1 != want {
		t.Errorf("key = %q, want %q", k1, want)
	}
}

func TestSchedule_ReplicasCollapseSameTick(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 300, time.UTC))
	nodes := newCluster(t, 3, clock)

	target := testutil.Target("/fn/report", "run")
	opts := Options{Frequency: "@every 1s", Timezone: "UTC"}
	if err := nodes[0].enqueuer.Subscribe(context.Background(), target, opts); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, n := range nodes {
		if got := len(n.enqueuer.Subscriptions()); got != 1 {
			t.Fatalf("node subscriptions = %d, want 1 (replicated)", got)
		}
	}

	for _, n := range nodes {
		n.enqueuer.tick(firstJob(t, n.enqueuer))
	}
	if total := nodes[0].queue.Len() + nodes[1].queue.Len() + nodes[2].queue.Len(); total != 1 {
		t.Errorf("same tick enqueued %d times, want 1", total)
	}

	clock.Advance(time.Second)
	for _, n := range nodes {
		n.enqueuer.tick(firstJob(t, n.enqueuer))
	}
	if total := nodes[0].queue.Len() + nodes[1].queue.Len() + nodes[2].queue.Len(); total != 2 {
		t.Errorf("after second tick total events = %d, want 2", total)
	}
}

func TestSchedule_DrainShiftsToPeer(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	nodes := newCluster(t, 2, clock)

	target := testutil.Target("/fn/report", "run")
	nodes[0].enqueuer.Subscribe(context.Background(), target, Options{Frequency: "@hourly"})
	nodes[0].enqueuer.tick(firstJob(t, nodes[0].enqueuer))

	drained := nodes[0].queue.TakeAll()
	if len(drained) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(drained))
	}

	// Node a is shutting down: its queue no longer accepts events, so the
	// replay can only succeed on node b.
	nodes[0].queue.Close()
	if err := nodes[0].enqueuer.OnEventsAreDrained(context.Background(), drained); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if nodes[1].queue.Len() != 1 {
		t.Fatalf("peer queue = %d, want the replayed event", nodes[1].queue.Len())
	}
	replayed, _ := nodes[1].queue.Dequeue(context.Background())
	if replayed.ID == drained[0].ID || replayed.Target.Handler != "run" {
		t.Errorf("replayed event = %+v", replayed)
	}
	payload, ok := nodes[1].enqueuer.Payload(replayed.ID)
	if !ok || payload.(Tick).Frequency != "@hourly" || !payload.(Tick).FiredAt.Equal(clock.Now()) {
		t.Errorf("replayed payload = %+v, %v", payload, ok)
	}
	if _, ok := nodes[0].enqueuer.Payload(drained[0].ID); ok {
		t.Error("drained payload left on node a")
	}
}

func TestSchedule_UnsubscribeLeavesNothing(t *testing.T) {
	clock := testutil.NewFakeClock(time.Now())
	nodes := newCluster(t, 2, clock)
	e := nodes[0].enqueuer

	e.Subscribe(context.Background(), testutil.Target("/fn/a", "one"), Options{Frequency: "@daily"})
	e.Subscribe(context.Background(), testutil.Target("/fn/a", "two"), Options{Frequency: "*/5 * * * *", Timezone: "Europe/Paris"})

	for _, entry := range e.jobs.All() {
		e.tick(entry)
	}
	if nodes[0].queue.Len() != 2 || e.ticks.Len() != 2 {
		t.Fatalf("queue=%d ticks=%d before unsubscribe, want 2 and 2", nodes[0].queue.Len(), e.ticks.Len())
	}

	if err := e.Unsubscribe(context.Background(), domain.Target{Cwd: "/fn/a"}); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if nodes[0].queue.Len() != 0 || e.ticks.Len() != 0 {
		t.Errorf("queue=%d ticks=%d after unsubscribe", nodes[0].queue.Len(), e.ticks.Len())
	}
	if n := nodes[0].ledger.Len(); n != 0 {
		t.Errorf("ledger holds %d claims of withdrawn ticks", n)
	}
	for i, n := range nodes {
		if got := n.enqueuer.jobs.Len(); got != 0 {
			t.Errorf("node %d jobs = %d, want 0", i, got)
		}
		if got := len(n.enqueuer.runner.Entries()); got != 0 {
			t.Errorf("node %d cron entries = %d, want 0", i, got)
		}
	}
}

func TestSchedule_InvalidFrequency(t *testing.T) {
	e := New(enqueuer.Deps{Queue: queue.NewEventQueue()})

	err := e.Subscribe(context.Background(), testutil.Target("/fn", "h"), Options{Frequency: "every tuesday"})
	if !errors.Is(err, enqueuer.ErrInvalidOptions) {
		t.Errorf("expected ErrInvalidOptions, got %v", err)
	}
	if e.jobs.Len() != 0 {
		t.Error("invalid frequency must not be registered")
	}
}

func TestSchedule_RunFiresEvents(t *testing.T) {
	q := queue.NewEventQueue()
	e := New(enqueuer.Deps{Queue: q})
	target := testutil.Target("/fn/tick", "default")
	e.Subscribe(context.Background(), target, Options{Frequency: "* * * * * *"})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(stopped)
	}()

	event, err := q.Dequeue(testutil.TestContext(t))
	cancel()
	<-stopped

	if err != nil {
		t.Fatalf("no tick within timeout: %v", err)
	}
	if event.Type != domain.EventTypeSchedule || event.Target.Cwd != "/fn/tick" {
		t.Errorf("event = %+v", event)
	}

	e.Complete(event.ID, enqueuer.Result{Status: 200})
	if _, ok := e.Payload(event.ID); ok {
		t.Error("completed tick payload still present")
	}
}
