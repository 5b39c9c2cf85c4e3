package dispatch

import (
	"sort"
	"sync"

	"github.com/lattice-labs/swarmcore/registry"
	"github.com/lattice-labs/swarmcore/swarmerr"
)

// selector picks one candidate swarm for a task. All implementations MUST
// be deterministic given identical inputs, except round-robin's cursor
// which intentionally varies call to call.
type selector interface {
	Select(candidates []registry.Record, task Task) (registry.Record, error)
}

func newSelector(strategy Strategy) selector {
	switch strategy {
	case StrategyRoundRobin:
		return &roundRobinSelector{}
	case StrategyPriority:
		return &prioritySelector{}
	case StrategyCapability:
		return &capabilitySelector{}
	default:
		return &leastLoadedSelector{}
	}
}

// activeLoad approximates a swarm's current load from its registry
// record's handle lists (spec §3: agentIds/taskIds are "counters/handles,
// not full state").
func activeLoad(r registry.Record) (taskCount, agentCount int) {
	return len(r.TaskIDs), len(r.AgentIDs)
}

// leastLoadedOf returns the candidate minimizing (taskCount, agentCount),
// tie-broken lexicographically by swarmId.
func leastLoadedOf(candidates []registry.Record) (registry.Record, error) {
	if len(candidates) == 0 {
		return registry.Record{}, swarmerr.NoEligibleSwarm("no active swarms available")
	}
	sorted := append([]registry.Record(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		ti, ai := activeLoad(sorted[i])
		tj, aj := activeLoad(sorted[j])
		if ti != tj {
			return ti < tj
		}
		if ai != aj {
			return ai < aj
		}
		return sorted[i].SwarmID < sorted[j].SwarmID
	})
	return sorted[0], nil
}

type leastLoadedSelector struct{}

func (s *leastLoadedSelector) Select(candidates []registry.Record, task Task) (registry.Record, error) {
	return leastLoadedOf(candidates)
}

type roundRobinSelector struct {
	mu     sync.Mutex
	cursor int
}

func (s *roundRobinSelector) Select(candidates []registry.Record, task Task) (registry.Record, error) {
	if len(candidates) == 0 {
		return registry.Record{}, swarmerr.NoEligibleSwarm("no active swarms available")
	}
	sorted := append([]registry.Record(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SwarmID < sorted[j].SwarmID })

	s.mu.Lock()
	idx := s.cursor % len(sorted)
	s.cursor++
	s.mu.Unlock()
	return sorted[idx], nil
}

type prioritySelector struct{}

func (s *prioritySelector) Select(candidates []registry.Record, task Task) (registry.Record, error) {
	if task.Priority != "" {
		var matching []registry.Record
		for _, c := range candidates {
			if string(c.Priority) == task.Priority {
				matching = append(matching, c)
			}
		}
		if len(matching) > 0 {
			return leastLoadedOf(matching)
		}
	}
	return leastLoadedOf(candidates)
}

type capabilitySelector struct{}

func (s *capabilitySelector) Select(candidates []registry.Record, task Task) (registry.Record, error) {
	var eligible []registry.Record
	for _, c := range candidates {
		if hasAllCapabilities(c.Capabilities, task.Capabilities) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return registry.Record{}, swarmerr.NoEligibleSwarm("no swarm has the required capabilities")
	}
	return leastLoadedOf(eligible)
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
