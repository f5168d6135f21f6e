package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/driftsync/internal/models"
	syncpkg "github.com/kimhsiao/driftsync/internal/sync"
)

// fakeSyncer counts cycles and signals each one on a channel.
type fakeSyncer struct {
	mu     sync.Mutex
	cycles int
	signal chan struct{}
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{signal: make(chan struct{}, 16)}
}

func (f *fakeSyncer) SyncCycle(ctx context.Context) (*syncpkg.Result, error) {
	f.mu.Lock()
	f.cycles++
	f.mu.Unlock()
	f.signal <- struct{}{}
	return &syncpkg.Result{Confirmed: 1}, nil
}

func (f *fakeSyncer) Pending() int    { return 0 }
func (f *fakeSyncer) IsSyncing() bool { return false }

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycles
}

type fakeCompactor struct {
	mu     sync.Mutex
	calls  int
	signal chan struct{}
}

func newFakeCompactor() *fakeCompactor {
	return &fakeCompactor{signal: make(chan struct{}, 16)}
}

func (f *fakeCompactor) Compact() (int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.signal <- struct{}{}
	return 0, nil
}

type fakeSweeper struct {
	mu     sync.Mutex
	bounds []time.Duration
	signal chan struct{}
}

func newFakeSweeper() *fakeSweeper {
	return &fakeSweeper{signal: make(chan struct{}, 16)}
}

func (f *fakeSweeper) SweepStale(bound time.Duration) int {
	f.mu.Lock()
	f.bounds = append(f.bounds, bound)
	f.mu.Unlock()
	f.signal <- struct{}{}
	return 0
}

// manualTicks hands each loop its own manual ticker channel. The loops
// start concurrently, so channels are keyed by interval; the three loops
// use distinct intervals.
type manualTicks struct {
	mu       sync.Mutex
	channels map[time.Duration]chan time.Time
}

func newManualTicks() *manualTicks {
	return &manualTicks{channels: make(map[time.Duration]chan time.Time)}
}

func (m *manualTicks) factory(interval time.Duration) (<-chan time.Time, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time)
	m.channels[interval] = ch
	return ch, func() {}
}

func (m *manualTicks) tick(t *testing.T, interval time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		ch, ok := m.channels[interval]
		m.mu.Unlock()
		if ok {
			ch <- time.Now()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("No ticker registered for interval %v", interval)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

func newTestScheduler(trigger Trigger) (*Scheduler, *fakeSyncer, *fakeCompactor, *fakeSweeper, *manualTicks) {
	syncer := newFakeSyncer()
	compactor := newFakeCompactor()
	sweeper := newFakeSweeper()
	ticks := newManualTicks()
	s := New(syncer, compactor, sweeper, trigger, Config{
		StaleBound: 10 * time.Minute,
		NewTicker:  ticks.factory,
	})
	return s, syncer, compactor, sweeper, ticks
}

func TestPeriodicLoopsFireOnTicks(t *testing.T) {
	s, syncer, compactor, sweeper, ticks := newTestScheduler(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	if !s.IsRunning() {
		t.Fatal("Scheduler not running after Start")
	}

	ticks.tick(t, 30*time.Second)
	waitSignal(t, syncer.signal, "periodic sync cycle")
	if syncer.count() != 1 {
		t.Errorf("Expected 1 cycle, got %d", syncer.count())
	}

	ticks.tick(t, 5*time.Minute)
	waitSignal(t, compactor.signal, "compaction")

	ticks.tick(t, time.Minute)
	waitSignal(t, sweeper.signal, "stale sweep")

	sweeper.mu.Lock()
	bound := sweeper.bounds[0]
	sweeper.mu.Unlock()
	if bound != 10*time.Minute {
		t.Errorf("Sweep bound = %v, want 10m", bound)
	}
}

func TestReconnectTriggersCycle(t *testing.T) {
	var listener func(models.NetworkStatus)
	trigger := Trigger(func(l func(models.NetworkStatus)) func() {
		listener = l
		return func() { listener = nil }
	})

	s, syncer, _, _, _ := newTestScheduler(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)

	if listener == nil {
		t.Fatal("Scheduler did not subscribe to connectivity transitions")
	}

	listener(models.NetworkStatus{IsOnline: true})
	waitSignal(t, syncer.signal, "reconnect cycle")

	// Going offline must not trigger a cycle.
	listener(models.NetworkStatus{IsOnline: false})
	select {
	case <-syncer.signal:
		t.Error("Offline transition triggered a cycle")
	case <-time.After(100 * time.Millisecond):
	}

	s.Stop()
	if listener != nil {
		t.Error("Stop did not unsubscribe the connectivity listener")
	}
}

func TestSyncNowUpdatesStatus(t *testing.T) {
	s, syncer, _, _, _ := newTestScheduler(nil)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if result.Confirmed != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}
	<-syncer.signal

	status := s.GetStatus()
	if status.LastSyncTime == nil {
		t.Error("SyncNow did not record the last sync time")
	}
	if status.IsRunning {
		t.Error("Status reports running before Start")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op

	if !s.IsRunning() {
		t.Fatal("Scheduler not running")
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("Scheduler still running after Stop")
	}
	s.Stop() // second Stop is a no-op
}
