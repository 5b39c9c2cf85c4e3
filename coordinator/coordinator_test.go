package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lattice-labs/swarmcore/dispatch"
	"github.com/lattice-labs/swarmcore/rstore"
)

func newTestStore(t *testing.T) *rstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store, err := rstore.New(context.Background(), rstore.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new rstore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) sink(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Name == name {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LeaderTTL = 200 * time.Millisecond
	cfg.DispatchInterval = 20 * time.Millisecond
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.ResourceOptInterval = 20 * time.Millisecond
	return cfg
}

func TestInitializeRegistersAndBecomesLeaderWhenUncontested(t *testing.T) {
	store := newTestStore(t)
	collector := &eventCollector{}
	c, err := New(store, "swarm-a", testConfig(), collector.sink)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown(ctx)

	waitFor(t, time.Second, c.IsLeader)
	waitFor(t, time.Second, func() bool { return collector.has(EventBecameLeader) })
	if !collector.has(EventInitialized) {
		t.Fatal("expected initialized event")
	}
	if c.CurrentLeader() != "swarm-a" {
		t.Fatalf("expected self to be recorded as leader, got %q", c.CurrentLeader())
	}
}

func TestHeartbeatLoopAdvancesLastHeartbeat(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	c, err := New(store, "swarm-a", cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown(ctx)

	first, err := c.registry.GetSwarm(ctx, "swarm-a")
	if err != nil {
		t.Fatalf("get swarm: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		latest, err := c.registry.GetSwarm(ctx, "swarm-a")
		return err == nil && latest.LastHeartbeatAt.After(first.LastHeartbeatAt)
	})
}

func TestSubmitTaskAsLeaderDistributesImmediately(t *testing.T) {
	store := newTestStore(t)
	collector := &eventCollector{}
	c, err := New(store, "swarm-a", testConfig(), collector.sink)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer c.Shutdown(ctx)
	waitFor(t, time.Second, c.IsLeader)

	if err := c.SubmitTask(ctx, dispatch.Task{TaskID: "t1", Payload: []byte("work")}); err != nil {
		t.Fatalf("submit task: %v", err)
	}
	stats := c.Statistics()
	if stats.TasksDistributed == 0 && stats.TasksQueued == 0 {
		t.Fatal("expected task to be either distributed or queued")
	}
}

func TestSubmitTaskAsFollowerWithNoKnownLeaderEnqueuesLocally(t *testing.T) {
	store := newTestStore(t)
	collector := &eventCollector{}
	cfg := testConfig()
	cfg.LeaderTTL = time.Hour // never becomes leader within the test window
	c, err := New(store, "swarm-b", cfg, collector.sink)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	if err := c.SubmitTask(context.Background(), dispatch.Task{TaskID: "t2"}); err != nil {
		t.Fatalf("submit task: %v", err)
	}
	stats := c.Statistics()
	if stats.TasksQueued != 1 {
		t.Fatalf("expected task to be queued, got stats %+v", stats)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	c, err := New(store, "swarm-a", testConfig(), nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown should be a no-op, got: %v", err)
	}
}

func TestAllocateAsFollowerWithoutKnownLeaderFails(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.LeaderTTL = time.Hour
	c, err := New(store, "swarm-c", cfg, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Allocate(context.Background(), "gpu", 1); err == nil {
		t.Fatal("expected allocate to fail with no known leader")
	}
}

// newCoordinatorPair wires two coordinators against the same miniredis
// instance via independent rstore connections, mirroring two separate
// processes in the same cluster.
func newCoordinatorPair(t *testing.T) (*Coordinator, *Coordinator, *eventCollector, *eventCollector) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	storeA, err := rstore.New(context.Background(), rstore.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new store a: %v", err)
	}
	t.Cleanup(func() { _ = storeA.Close() })
	storeB, err := rstore.New(context.Background(), rstore.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new store b: %v", err)
	}
	t.Cleanup(func() { _ = storeB.Close() })

	collectorA := &eventCollector{}
	collectorB := &eventCollector{}

	cfg := testConfig()
	a, err := New(storeA, "swarm-a", cfg, collectorA.sink)
	if err != nil {
		t.Fatalf("new coordinator a: %v", err)
	}
	b, err := New(storeB, "swarm-b", cfg, collectorB.sink)
	if err != nil {
		t.Fatalf("new coordinator b: %v", err)
	}

	ctx := context.Background()
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("initialize a: %v", err)
	}
	waitFor(t, time.Second, a.IsLeader)

	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("initialize b: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.CurrentLeader() == "swarm-a" })

	t.Cleanup(func() { _ = a.Shutdown(ctx) })
	t.Cleanup(func() { _ = b.Shutdown(ctx) })

	return a, b, collectorA, collectorB
}

func TestFollowerTaskSubmissionIsDispatchedByLeader(t *testing.T) {
	a, b, _, _ := newCoordinatorPair(t)

	if err := b.SubmitTask(context.Background(), dispatch.Task{TaskID: "forwarded-1", Payload: []byte("work")}); err != nil {
		t.Fatalf("submit task as follower: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		stats := a.Statistics()
		return stats.TasksDistributed > 0 || stats.TasksQueued > 0
	})
}

func TestFollowerAllocateForwardsToLeaderAndSucceeds(t *testing.T) {
	a, b, _, _ := newCoordinatorPair(t)

	if err := a.arbiter.SeedPool(context.Background(), "gpu", 4); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	if err := b.Allocate(context.Background(), "gpu", 2); err != nil {
		t.Fatalf("expected follower allocate to succeed via forwarding, got: %v", err)
	}

	available, err := a.arbiter.Available(context.Background(), "gpu")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 2 {
		t.Fatalf("expected 2 remaining after allocation, got %d", available)
	}

	if err := b.Release(context.Background(), "gpu", 2); err != nil {
		t.Fatalf("expected follower release to succeed via forwarding, got: %v", err)
	}
	available, err = a.arbiter.Available(context.Background(), "gpu")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 4 {
		t.Fatalf("expected pool fully restored after release, got %d", available)
	}
}
