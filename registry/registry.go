// Package registry implements the authoritative swarm membership list: CRUD
// over swarm records, heartbeats, and the leader-only liveness sweep.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Status is a SwarmRecord's position in the membership lifecycle.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusInterrupted  Status = "interrupted"
	StatusTerminated   Status = "terminated"
)

// transitions enumerates the directed edges of the status lifecycle diagram.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusActive},
	StatusActive:        {StatusPaused, StatusInterrupted, StatusTerminated},
	StatusPaused:        {StatusActive, StatusTerminated},
	StatusInterrupted:   {StatusTerminated},
	StatusTerminated:    {},
}

// Priority is a swarm's scheduling priority class.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Record is one entry in the swarm membership table.
type Record struct {
	SwarmID         string            `json:"swarm_id"`
	ProcessIdentity string            `json:"process_identity"`
	CreatedAt       time.Time         `json:"created_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Status          Status            `json:"status"`
	Priority        Priority          `json:"priority"`
	Capabilities    []string          `json:"capabilities"`
	Tags            map[string]string `json:"tags"`
	AgentIDs        []string          `json:"agent_ids"`
	TaskIDs         []string          `json:"task_ids"`
}

// Filter narrows listSwarms results. Zero-value fields are unconstrained.
type Filter struct {
	Status     Status
	Capability string
	Priority   Priority
}

func recordKey(swarmID string) string {
	return "registry:swarm:" + swarmID
}

const indexKey = "registry:swarms"

// Config tunes the registry's sweep behavior.
type Config struct {
	InterruptThreshold time.Duration // default 60s
}

func DefaultConfig() Config {
	return Config{InterruptThreshold: 60 * time.Second}
}

// Registry is the authoritative swarm membership list, backed by a Redis
// hash per swarm plus a set index for listing.
type Registry struct {
	store  *rstore.Store
	config Config

	// reads collapses concurrent GetSwarm calls for the same swarmId into a
	// single Redis round trip — a health sweep and an inbound request can
	// both ask for the same record in the same instant.
	reads singleflight.Group
}

func New(store *rstore.Store, config Config) *Registry {
	return &Registry{store: store, config: config}
}

// Register atomically creates a new record in the initializing state,
// failing with AlreadyExists if swarmId is already registered.
func (r *Registry) Register(ctx context.Context, record Record) error {
	record.Status = StatusInitializing
	record.CreatedAt = time.Now()
	record.LastHeartbeatAt = record.CreatedAt
	data, err := json.Marshal(record)
	if err != nil {
		return swarmerr.Internal("marshal swarm record", err)
	}
	created, err := r.store.Client.HSetNX(ctx, recordKey(record.SwarmID), "data", string(data)).Result()
	if err != nil {
		return swarmerr.Unavailable("register swarm", err)
	}
	if !created {
		return swarmerr.AlreadyExists(fmt.Sprintf("swarm %q already registered", record.SwarmID))
	}
	if err := r.store.SAdd(ctx, indexKey, record.SwarmID); err != nil {
		return err
	}
	swarmmetrics.RegistrySize.WithLabelValues(string(StatusInitializing)).Inc()
	return nil
}

func (r *Registry) put(ctx context.Context, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return swarmerr.Internal("marshal swarm record", err)
	}
	return r.store.HSet(ctx, recordKey(record.SwarmID), map[string]string{"data": string(data)})
}

// GetSwarm fetches a single record, failing with NotFound if unknown.
func (r *Registry) GetSwarm(ctx context.Context, swarmID string) (Record, error) {
	result, err, _ := r.reads.Do(swarmID, func() (interface{}, error) {
		fields, err := r.store.HGetAll(ctx, recordKey(swarmID))
		if err != nil {
			return Record{}, err
		}
		raw, ok := fields["data"]
		if !ok {
			return Record{}, swarmerr.NotFound(fmt.Sprintf("swarm %q not registered", swarmID))
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return Record{}, swarmerr.Internal("unmarshal swarm record", err)
		}
		return record, nil
	})
	if err != nil {
		return Record{}, err
	}
	return result.(Record), nil
}

// UpdateStatus validates and applies a status transition against the
// lifecycle diagram.
func (r *Registry) UpdateStatus(ctx context.Context, swarmID string, newStatus Status) error {
	record, err := r.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if !isAllowedTransition(record.Status, newStatus) {
		return swarmerr.IllegalTransition(fmt.Sprintf("cannot transition swarm %q from %s to %s", swarmID, record.Status, newStatus))
	}
	old := record.Status
	record.Status = newStatus
	if err := r.put(ctx, record); err != nil {
		return err
	}
	swarmmetrics.RegistrySize.WithLabelValues(string(old)).Dec()
	swarmmetrics.RegistrySize.WithLabelValues(string(newStatus)).Inc()
	return nil
}

func isAllowedTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Heartbeat advances lastHeartbeatAt to now. lastHeartbeatAt is enforced
// monotonic: a heartbeat that would move it backward is a no-op success,
// not an error, since clock skew between calls should never regress state.
func (r *Registry) Heartbeat(ctx context.Context, swarmID string) error {
	record, err := r.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	now := time.Now()
	if now.After(record.LastHeartbeatAt) {
		record.LastHeartbeatAt = now
	}
	return r.put(ctx, record)
}

// ListSwarms returns every registered swarm matching filter. Ordering is
// unspecified.
func (r *Registry) ListSwarms(ctx context.Context, filter Filter) ([]Record, error) {
	ids, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := r.GetSwarm(ctx, id)
		if err != nil {
			if swarmerr.Is(err, swarmerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		if !matchesFilter(record, filter) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func matchesFilter(record Record, filter Filter) bool {
	if filter.Status != "" && record.Status != filter.Status {
		return false
	}
	if filter.Priority != "" && record.Priority != filter.Priority {
		return false
	}
	if filter.Capability != "" {
		found := false
		for _, c := range record.Capabilities {
			if c == filter.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Deregister removes a swarm from the registry. Idempotent: deregistering an
// unknown swarm is a no-op success.
func (r *Registry) Deregister(ctx context.Context, swarmID string, reason string) error {
	record, err := r.GetSwarm(ctx, swarmID)
	if err != nil {
		if swarmerr.Is(err, swarmerr.KindNotFound) {
			return nil
		}
		return err
	}
	if err := r.store.Del(ctx, recordKey(swarmID)); err != nil {
		return err
	}
	if err := r.store.SRem(ctx, indexKey, swarmID); err != nil {
		return err
	}
	swarmmetrics.RegistrySize.WithLabelValues(string(record.Status)).Dec()
	log.Printf("registry: deregistered swarm %s (%s)", swarmID, reason)
	return nil
}

// SweepInterrupted transitions every active record whose heartbeat is older
// than InterruptThreshold into interrupted, returning the affected ids.
// Called periodically by the current leader only.
func (r *Registry) SweepInterrupted(ctx context.Context) ([]string, error) {
	records, err := r.ListSwarms(ctx, Filter{Status: StatusActive})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var interrupted []string
	for _, record := range records {
		age := now.Sub(record.LastHeartbeatAt)
		if age <= r.config.InterruptThreshold {
			continue
		}
		if err := r.UpdateStatus(ctx, record.SwarmID, StatusInterrupted); err != nil {
			log.Printf("registry: sweep failed to interrupt %s: %v", record.SwarmID, err)
			continue
		}
		interrupted = append(interrupted, record.SwarmID)
		swarmmetrics.InterruptedSweeps.WithLabelValues("heartbeat_expired").Inc()
	}
	return interrupted, nil
}
