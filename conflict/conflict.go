// Package conflict resolves competing swarm claims over a shared resource
// or decision, using the same priority vocabulary as dispatch's priority
// strategy plus a quorum-based voting strategy over the messenger that falls
// back to priority when it cannot reach quorum.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lattice-labs/swarmcore/messenger"
	"github.com/lattice-labs/swarmcore/registry"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Strategy selects how a Conflict is resolved.
type Strategy string

const (
	StrategyPriority  Strategy = "priority"
	StrategyTimestamp Strategy = "timestamp"
	StrategyVoting    Strategy = "voting"
)

var priorityWeight = map[registry.Priority]int{
	registry.PriorityHigh:   3,
	registry.PriorityNormal: 2,
	registry.PriorityLow:    1,
}

// Claimant is one contender for a Conflict, carrying just enough context to
// resolve it deterministically.
type Claimant struct {
	SwarmID   string
	Priority  registry.Priority
	CreatedAt time.Time
}

// Conflict is the input to resolution.
type Conflict struct {
	Type       string
	Claimants  []Claimant
	Context    string
}

// Resolution is the output of resolution.
type Resolution struct {
	Winner   string
	Strategy Strategy
	Reason   string
}

// Resolver resolves conflicts among competing swarm claims.
type Resolver struct {
	messenger    *messenger.Messenger
	votingWindow time.Duration
}

func New(msgr *messenger.Messenger) *Resolver {
	return &Resolver{messenger: msgr, votingWindow: 2 * time.Second}
}

// Resolve applies strategy to conflict, falling back to priority if voting
// cannot reach quorum. activeSwarmCount is needed to compute the voting
// quorum; pass 0 for non-voting strategies.
func (r *Resolver) Resolve(ctx context.Context, conflict Conflict, strategy Strategy, activeSwarmCount int) (Resolution, error) {
	var resolution Resolution
	switch strategy {
	case StrategyTimestamp:
		resolution = resolveByTimestamp(conflict)
	case StrategyVoting:
		var err error
		resolution, err = r.resolveByVoting(ctx, conflict, activeSwarmCount)
		if err != nil {
			return Resolution{}, err
		}
	default:
		resolution = resolveByPriority(conflict)
	}

	if r.messenger != nil {
		r.publishResolved(ctx, conflict, resolution)
	}
	swarmmetrics.ConflictsResolved.WithLabelValues(string(resolution.Strategy)).Inc()
	return resolution, nil
}

func resolveByPriority(conflict Conflict) Resolution {
	sorted := sortedClaimants(conflict.Claimants)
	return Resolution{
		Winner:   sorted[0].SwarmID,
		Strategy: StrategyPriority,
		Reason:   fmt.Sprintf("highest priority (%s) among %d claimants", sorted[0].Priority, len(sorted)),
	}
}

func resolveByTimestamp(conflict Conflict) Resolution {
	sorted := append([]Claimant(nil), conflict.Claimants...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].SwarmID < sorted[j].SwarmID
	})
	return Resolution{
		Winner:   sorted[0].SwarmID,
		Strategy: StrategyTimestamp,
		Reason:   fmt.Sprintf("earliest claim at %s", sorted[0].CreatedAt),
	}
}

// sortedClaimants orders by priority weight desc, then createdAt asc, then
// lexicographic swarmId — the priority strategy's full tie-break chain.
func sortedClaimants(claimants []Claimant) []Claimant {
	sorted := append([]Claimant(nil), claimants...)
	sort.Slice(sorted, func(i, j int) bool {
		wi, wj := priorityWeight[sorted[i].Priority], priorityWeight[sorted[j].Priority]
		if wi != wj {
			return wi > wj
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].SwarmID < sorted[j].SwarmID
	})
	return sorted
}

// resolveByVoting sends a vote request to each claimant in turn (one
// targeted Request per claimant; it does not broadcast to every active
// swarm) until votingWindow elapses, then compares the responses with the
// quorum (ceil(N/2)+1 of activeSwarmCount) and falls back to priority on
// no-quorum. Only claimants are asked, so a conflict with fewer claimants
// than the quorum always falls back. With a nil messenger no requests are
// sent.
func (r *Resolver) resolveByVoting(ctx context.Context, conflict Conflict, activeSwarmCount int) (Resolution, error) {
	quorum := (activeSwarmCount+1)/2 + 1
	deadline := time.Now().Add(r.votingWindow)

	votes := make(map[string]int) // swarmID -> vote count
	responses := 0

	for _, claimant := range conflict.Claimants {
		if r.messenger == nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		reqCtx, cancel := context.WithTimeout(ctx, remaining)
		payload, err := msgpack.Marshal(map[string]interface{}{
			"type":      "conflict_vote_request",
			"conflict":  conflict.Type,
			"claimants": claimantIDs(conflict.Claimants),
		})
		if err != nil {
			cancel()
			continue
		}
		resp, err := r.messenger.Request(reqCtx, claimant.SwarmID, payload, remaining)
		cancel()
		if err != nil {
			continue
		}
		var decoded struct {
			Vote string `msgpack:"vote"`
		}
		if err := msgpack.Unmarshal(resp.Payload, &decoded); err != nil || decoded.Vote == "" {
			continue
		}
		votes[decoded.Vote]++
		responses++
	}

	if responses < quorum {
		fallback := resolveByPriority(conflict)
		fallback.Reason = fmt.Sprintf("voting failed to reach quorum (%d/%d responses); %s", responses, quorum, fallback.Reason)
		return fallback, nil
	}

	winner := ""
	best := -1
	for swarmID, count := range votes {
		if count > best || (count == best && swarmID < winner) {
			winner, best = swarmID, count
		}
	}
	return Resolution{
		Winner:   winner,
		Strategy: StrategyVoting,
		Reason:   fmt.Sprintf("majority vote (%d/%d) among %d responses", best, responses, responses),
	}, nil
}

func (r *Resolver) publishResolved(ctx context.Context, conflict Conflict, resolution Resolution) {
	payload, err := msgpack.Marshal(map[string]interface{}{
		"type":     "conflict_resolved",
		"conflict": conflict.Type,
		"winner":   resolution.Winner,
		"strategy": string(resolution.Strategy),
		"reason":   resolution.Reason,
	})
	if err != nil {
		return
	}
	_, _ = r.messenger.PublishEvent(ctx, payload)
}

func claimantIDs(claimants []Claimant) []string {
	ids := make([]string, len(claimants))
	for i, c := range claimants {
		ids[i] = c.SwarmID
	}
	return ids
}
