package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/lattice-labs/swarmcore/messenger"
	"github.com/lattice-labs/swarmcore/registry"
	"github.com/lattice-labs/swarmcore/rstore"
)

func newTestDispatcher(t *testing.T, strategy Strategy) (*Dispatcher, *registry.Registry, *rstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := rstore.New(context.Background(), rstore.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store, registry.DefaultConfig())
	msgr := messenger.New(store, "leader-swarm", messenger.DefaultConfig("swarmcore"))
	t.Cleanup(func() { _ = msgr.Close() })

	cfg := DefaultConfig("swarmcore")
	cfg.Strategy = strategy
	return New(store, reg, msgr, cfg), reg, store
}

func registerActive(t *testing.T, reg *registry.Registry, record registry.Record) {
	t.Helper()
	ctx := context.Background()
	if err := reg.Register(ctx, record); err != nil {
		t.Fatalf("register %s: %v", record.SwarmID, err)
	}
	if err := reg.UpdateStatus(ctx, record.SwarmID, registry.StatusActive); err != nil {
		t.Fatalf("activate %s: %v", record.SwarmID, err)
	}
}

func TestSubmitWithNoActiveSwarmsEnqueues(t *testing.T) {
	d, _, store := newTestDispatcher(t, StrategyLeastLoaded)
	ctx := context.Background()

	if err := d.Submit(ctx, Task{TaskID: "t1"}, "swarm-a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	depth, err := store.LLen(ctx, d.queueKey())
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected task to be queued, depth=%d", depth)
	}
}

func TestCapabilityStrategyRequiresSubset(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, StrategyCapability)
	ctx := context.Background()
	registerActive(t, reg, registry.Record{SwarmID: "swarm-gpu", Capabilities: []string{"gpu"}})
	registerActive(t, reg, registry.Record{SwarmID: "swarm-cpu", Capabilities: []string{"cpu"}})

	candidates, err := reg.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sel := d.selector
	winner, err := sel.Select(candidates, Task{TaskID: "t1", Capabilities: []string{"gpu"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if winner.SwarmID != "swarm-gpu" {
		t.Fatalf("expected swarm-gpu to win, got %s", winner.SwarmID)
	}
}

func TestCapabilityStrategyFailsWithNoEligible(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, StrategyCapability)
	ctx := context.Background()
	registerActive(t, reg, registry.Record{SwarmID: "swarm-cpu", Capabilities: []string{"cpu"}})

	candidates, err := reg.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := d.selector.Select(candidates, Task{TaskID: "t1", Capabilities: []string{"gpu"}}); err == nil {
		t.Fatal("expected NoEligibleSwarm error")
	}
}

func TestLeastLoadedPrefersLowerTaskCount(t *testing.T) {
	d, reg, _ := newTestDispatcher(t, StrategyLeastLoaded)
	ctx := context.Background()
	registerActive(t, reg, registry.Record{SwarmID: "swarm-busy", TaskIDs: []string{"t1", "t2"}})
	registerActive(t, reg, registry.Record{SwarmID: "swarm-idle"})

	candidates, err := reg.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	winner, err := d.selector.Select(candidates, Task{TaskID: "t1"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if winner.SwarmID != "swarm-idle" {
		t.Fatalf("expected swarm-idle to win, got %s", winner.SwarmID)
	}
}

func TestRoundRobinAdvancesCursor(t *testing.T) {
	sel := &roundRobinSelector{}
	candidates := []registry.Record{{SwarmID: "a"}, {SwarmID: "b"}, {SwarmID: "c"}}

	var order []string
	for i := 0; i < 4; i++ {
		winner, err := sel.Select(candidates, Task{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		order = append(order, winner.SwarmID)
	}
	expected := []string{"a", "b", "c", "a"}
	for i, id := range expected {
		if order[i] != id {
			t.Fatalf("expected round robin order %v, got %v", expected, order)
		}
	}
}

func TestDrainDeadLettersAfterMaxAttempts(t *testing.T) {
	d, _, store := newTestDispatcher(t, StrategyLeastLoaded)
	d.config.MaxAttempts = 2
	ctx := context.Background()

	if err := d.Enqueue(ctx, Task{TaskID: "t1"}, "swarm-a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// No active swarms exist, so every drain re-queues until max attempts.
	if err := d.Drain(ctx, 1); err != nil {
		t.Fatalf("drain 1: %v", err)
	}
	if err := d.Drain(ctx, 1); err != nil {
		t.Fatalf("drain 2: %v", err)
	}

	queueDepth, err := store.LLen(ctx, d.queueKey())
	if err != nil {
		t.Fatalf("llen queue: %v", err)
	}
	if queueDepth != 0 {
		t.Fatalf("expected queue empty after dead-lettering, depth=%d", queueDepth)
	}
	deadDepth, err := store.LLen(ctx, d.deadKey())
	if err != nil {
		t.Fatalf("llen dead: %v", err)
	}
	if deadDepth != 1 {
		t.Fatalf("expected 1 dead-lettered task, got %d", deadDepth)
	}
}

func TestCircuitBreakerOpensAboveThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5)
	if !cb.ShouldAdmit(3) {
		t.Fatal("expected admit below threshold")
	}
	if cb.ShouldAdmit(10) {
		t.Fatal("expected reject above threshold")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected circuit open, got %s", cb.State())
	}
}

func TestPerSwarmLimiterBurst(t *testing.T) {
	l := NewPerSwarmLimiter(1, 2)
	if !l.Allow("swarm-a") || !l.Allow("swarm-a") {
		t.Fatal("expected burst of 2 to be allowed immediately")
	}
	if l.Allow("swarm-a") {
		t.Fatal("expected third immediate call to be rate limited")
	}
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("swarm-a") {
		t.Fatal("expected a token to have refilled after 1.1s")
	}
}
