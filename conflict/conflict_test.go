package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-labs/swarmcore/registry"
)

func TestResolveByPriorityPicksHighest(t *testing.T) {
	r := New(nil)
	conflict := Conflict{
		Type: "leader_claim",
		Claimants: []Claimant{
			{SwarmID: "swarm-b", Priority: registry.PriorityNormal, CreatedAt: time.Unix(100, 0)},
			{SwarmID: "swarm-a", Priority: registry.PriorityHigh, CreatedAt: time.Unix(200, 0)},
		},
	}
	resolution, err := r.Resolve(context.Background(), conflict, StrategyPriority, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Winner != "swarm-a" {
		t.Fatalf("expected swarm-a (high priority) to win, got %s", resolution.Winner)
	}
}

func TestResolveByPriorityTieBreaksByCreatedAtThenID(t *testing.T) {
	r := New(nil)
	conflict := Conflict{
		Claimants: []Claimant{
			{SwarmID: "swarm-z", Priority: registry.PriorityHigh, CreatedAt: time.Unix(100, 0)},
			{SwarmID: "swarm-a", Priority: registry.PriorityHigh, CreatedAt: time.Unix(100, 0)},
		},
	}
	resolution, err := r.Resolve(context.Background(), conflict, StrategyPriority, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Winner != "swarm-a" {
		t.Fatalf("expected lexicographic tie-break to pick swarm-a, got %s", resolution.Winner)
	}
}

func TestResolveByTimestampPicksEarliest(t *testing.T) {
	r := New(nil)
	conflict := Conflict{
		Claimants: []Claimant{
			{SwarmID: "swarm-late", CreatedAt: time.Unix(200, 0)},
			{SwarmID: "swarm-early", CreatedAt: time.Unix(100, 0)},
		},
	}
	resolution, err := r.Resolve(context.Background(), conflict, StrategyTimestamp, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Winner != "swarm-early" {
		t.Fatalf("expected swarm-early to win, got %s", resolution.Winner)
	}
}

func TestResolveByVotingFallsBackToPriorityWithoutQuorum(t *testing.T) {
	r := New(nil) // nil messenger: no vote requests are sent, forcing fallback
	r.votingWindow = 10 * time.Millisecond
	conflict := Conflict{
		Claimants: []Claimant{
			{SwarmID: "swarm-b", Priority: registry.PriorityNormal, CreatedAt: time.Unix(100, 0)},
			{SwarmID: "swarm-a", Priority: registry.PriorityHigh, CreatedAt: time.Unix(200, 0)},
		},
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			t.Fatalf("voting with nil messenger should fall back, not panic: %v", recovered)
		}
	}()

	// Two active swarms need a quorum of 2 votes; none arrive.
	resolution, err := r.Resolve(context.Background(), conflict, StrategyVoting, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolution.Winner != "swarm-a" {
		t.Fatalf("expected priority fallback to pick swarm-a, got %s", resolution.Winner)
	}
}
