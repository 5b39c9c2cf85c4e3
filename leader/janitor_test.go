package leader

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJanitorReclaimsStaleLock(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := LockMetadata{
		OwnerSwarmID: "swarm-a",
		Epoch:        1,
		ExpiresAt:    time.Now().Add(-time.Minute), // already expired
	}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if ok, err := store.AcquireLease(ctx, "leader:cluster", string(data), time.Hour); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}
	if _, err := store.IncrementEpoch(ctx, "leader:cluster"); err != nil {
		t.Fatalf("increment epoch: %v", err)
	}

	janitor := NewJanitor(store, "leader:*", time.Hour)
	janitor.clean(ctx)

	holder, err := store.GetLeaseHolder(ctx, "leader:cluster")
	if err != nil {
		t.Fatalf("get holder: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected stale lock to be reclaimed, still held: %s", holder)
	}
}

func TestJanitorFencesOutdatedEpoch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.IncrementEpoch(ctx, "leader:cluster"); err != nil {
		t.Fatalf("increment epoch: %v", err)
	}
	if _, err := store.IncrementEpoch(ctx, "leader:cluster"); err != nil {
		t.Fatalf("increment epoch again: %v", err)
	}

	meta := LockMetadata{
		OwnerSwarmID: "swarm-a",
		Epoch:        1, // behind the current epoch of 2
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if ok, err := store.AcquireLease(ctx, "leader:cluster", string(data), time.Hour); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}

	janitor := NewJanitor(store, "leader:*", time.Hour)
	janitor.clean(ctx)

	holder, err := store.GetLeaseHolder(ctx, "leader:cluster")
	if err != nil {
		t.Fatalf("get holder: %v", err)
	}
	if holder != "" {
		t.Fatalf("expected fenced lock to be reclaimed, still held: %s", holder)
	}
}
