package statestore

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/lattice-labs/swarmcore/rstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rs, err := rstore.New(context.Background(), rstore.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new rstore: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })

	store, err := New(rs, DefaultConfig())
	if err != nil {
		t.Fatalf("new statestore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	raw := []byte(`{"agents":["a1","a2"],"tasks":42}`)

	version, err := store.Snapshot(ctx, "swarm-a", raw, 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected first snapshot version 1, got %d", version)
	}

	restored, err := store.RestoreLatest(ctx, "swarm-a")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(restored.Raw(), raw) {
		t.Fatalf("expected byte-equal state, got %q", restored.Raw())
	}
	if restored.StateHash != hashOf(raw) {
		t.Fatalf("stateHash mismatch: got %s want %s", restored.StateHash, hashOf(raw))
	}
}

func TestSnapshotRejectsStaleVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Snapshot(ctx, "swarm-a", []byte("v1"), 0); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if _, err := store.Snapshot(ctx, "swarm-a", []byte("v2-racing"), 0); err == nil {
		t.Fatal("expected stale-version snapshot to be rejected")
	}

	version, err := store.Snapshot(ctx, "swarm-a", []byte("v2"), 1)
	if err != nil {
		t.Fatalf("snapshot with correct version: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}
}

func TestRestoreLatestNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.RestoreLatest(context.Background(), "swarm-ghost"); err == nil {
		t.Fatal("expected NotFound for unknown swarm")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ckpt, err := store.TakeCheckpoint(ctx, "swarm-a", "pre_migration", "deadbeef", 0.9)
	if err != nil {
		t.Fatalf("take checkpoint: %v", err)
	}

	checkpoints, err := store.ListCheckpoints(ctx, "swarm-a")
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(checkpoints) != 1 || checkpoints[0].CheckpointID != ckpt.CheckpointID {
		t.Fatalf("expected to find the checkpoint just taken, got %+v", checkpoints)
	}
	if checkpoints[0].Phase != "pre_migration" {
		t.Fatalf("unexpected phase: %s", checkpoints[0].Phase)
	}
}
