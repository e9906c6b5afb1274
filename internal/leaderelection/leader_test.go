package leaderelection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/djlord-it/easy-trigger/internal/testutil"
)

// fakeLock is a process-local advisory lock shared by fake sessions.
type fakeLock struct {
	mu      sync.Mutex
	holder  *fakeSession
	opens   int
	openErr error
}

func (l *fakeLock) Open(ctx context.Context) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	if l.openErr != nil {
		return nil, l.openErr
	}
	return &fakeSession{lock: l}, nil
}

func (l *fakeLock) take(s *fakeSession) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != nil {
		return false
	}
	l.holder = s
	return true
}

func (l *fakeLock) heldBy() *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

type fakeSession struct {
	lock *fakeLock
	dead atomic.Bool
}

func (s *fakeSession) TryLock(ctx context.Context) (bool, error) {
	return s.lock.take(s), nil
}

func (s *fakeSession) Ping(ctx context.Context) error {
	if s.dead.Load() {
		return errors.New("connection reset")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.lock.mu.Lock()
	defer s.lock.mu.Unlock()
	if s.lock.holder == s {
		s.lock.holder = nil
	}
	return nil
}

type mockMetrics struct {
	mu       sync.Mutex
	acquired int
	lost     []string
}

func (m *mockMetrics) LeaderStatusChanged(bool) {}

func (m *mockMetrics) LeaderAcquired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquired++
}

func (m *mockMetrics) LeaderLost(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost = append(m.lost, reason)
}

func (m *mockMetrics) snapshot() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, append([]string(nil), m.lost...)
}

// dutyProbe counts running duties.
type dutyProbe struct {
	running atomic.Int32
	starts  atomic.Int32
}

func (p *dutyProbe) run(ctx context.Context) {
	p.starts.Add(1)
	p.running.Add(1)
	defer p.running.Add(-1)
	<-ctx.Done()
}

func TestElector_RunsDutyWhileLeader(t *testing.T) {
	lock := &fakeLock{}
	probe := &dutyProbe{}
	metrics := &mockMetrics{}
	e := New(lock, 10*time.Millisecond, 10*time.Millisecond, probe.run).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, time.Second, func() bool { return probe.running.Load() == 1 }, "duty running")
	if !e.IsLeader() {
		t.Error("IsLeader = false while duty runs")
	}

	cancel()
	<-done

	if probe.running.Load() != 0 {
		t.Error("duty still running after Run returned")
	}
	if e.IsLeader() {
		t.Error("IsLeader = true after shutdown")
	}
	acquired, lost := metrics.snapshot()
	if acquired != 1 || len(lost) != 1 || lost[0] != "shutdown" {
		t.Errorf("acquired=%d lost=%v, want 1 and [shutdown]", acquired, lost)
	}
	if lock.heldBy() != nil {
		t.Error("lock still held after shutdown")
	}
}

func TestElector_OnlyOneLeader(t *testing.T) {
	lock := &fakeLock{}
	probe := &dutyProbe{}
	a := New(lock, 5*time.Millisecond, 5*time.Millisecond, probe.run)
	b := New(lock, 5*time.Millisecond, 5*time.Millisecond, probe.run)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, e := range []*Elector{a, b} {
		wg.Add(1)
		go func(e *Elector) {
			defer wg.Done()
			e.Run(ctx)
		}(e)
	}

	testutil.WaitFor(t, time.Second, func() bool { return probe.running.Load() == 1 }, "one duty running")
	time.Sleep(30 * time.Millisecond)
	if n := probe.running.Load(); n != 1 {
		t.Errorf("%d duties running, want 1", n)
	}
	if a.IsLeader() == b.IsLeader() {
		t.Errorf("a.IsLeader=%v b.IsLeader=%v, want exactly one leader", a.IsLeader(), b.IsLeader())
	}

	cancel()
	wg.Wait()
}

func TestElector_ConnectionLossStopsDuty(t *testing.T) {
	lock := &fakeLock{}
	probe := &dutyProbe{}
	metrics := &mockMetrics{}
	e := New(lock, 5*time.Millisecond, 5*time.Millisecond, probe.run).WithMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	testutil.WaitFor(t, time.Second, func() bool { return lock.heldBy() != nil }, "lock acquired")
	lock.heldBy().dead.Store(true)

	testutil.WaitFor(t, time.Second, func() bool {
		_, lost := metrics.snapshot()
		return len(lost) >= 1
	}, "leadership lost")
	_, lost := metrics.snapshot()
	if lost[0] != "conn_lost" {
		t.Errorf("lost reason = %q, want conn_lost", lost[0])
	}

	// The next session is healthy, so leadership comes back.
	testutil.WaitFor(t, time.Second, func() bool { return probe.starts.Load() >= 2 }, "duty restarted")
}

func TestElector_OpenErrorRetries(t *testing.T) {
	lock := &fakeLock{openErr: errors.New("pool exhausted")}
	probe := &dutyProbe{}
	e := New(lock, 5*time.Millisecond, 5*time.Millisecond, probe.run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	testutil.WaitFor(t, time.Second, func() bool {
		lock.mu.Lock()
		defer lock.mu.Unlock()
		return lock.opens >= 3
	}, "repeated open attempts")
	cancel()
	<-done

	if probe.starts.Load() != 0 {
		t.Error("duty started without the lock")
	}
}
