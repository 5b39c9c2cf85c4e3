// Package dispatch distributes queued tasks to active swarms via a
// pluggable selection strategy, with admission control (circuit breaker,
// per-target rate limiting) and dead-lettering after repeated failure.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lattice-labs/swarmcore/messenger"
	"github.com/lattice-labs/swarmcore/registry"
	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Dispatcher distributes queued tasks to active swarms.
type Dispatcher struct {
	store     *rstore.Store
	registry  *registry.Registry
	messenger *messenger.Messenger
	config    Config

	selector selector
	breaker  *CircuitBreaker
	limiter  *PerSwarmLimiter
}

func New(store *rstore.Store, reg *registry.Registry, msgr *messenger.Messenger, config Config) *Dispatcher {
	return &Dispatcher{
		store:     store,
		registry:  reg,
		messenger: msgr,
		config:    config,
		selector:  newSelector(config.Strategy),
		breaker:   NewCircuitBreaker(config.QueueThreshold),
		limiter:   NewPerSwarmLimiter(20, 5),
	}
}

// deadLetterTTL is how long entries survive in the dead-letter list before
// Redis reaps them.
const deadLetterTTL = 7 * 24 * time.Hour

func (d *Dispatcher) queueKey() string { return d.config.Prefix + ":tasks:queue" }
func (d *Dispatcher) deadKey() string  { return d.config.Prefix + ":tasks:dead" }

// Submit admits task onto the leader's dispatch path: select a target
// immediately if possible, otherwise enqueue for the next drain. Rejects
// admission if the circuit breaker is open due to queue saturation.
func (d *Dispatcher) Submit(ctx context.Context, task Task, queuedBy string) error {
	depth, err := d.store.LLen(ctx, d.queueKey())
	if err != nil {
		return err
	}
	if !d.breaker.ShouldAdmit(int(depth)) {
		swarmmetrics.DispatchDecisions.WithLabelValues("rejected", "circuit_open").Inc()
		return swarmerr.Unavailable("dispatcher circuit is open", nil)
	}

	candidates, err := d.registry.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		swarmmetrics.DispatchDecisions.WithLabelValues("queued", "no_active_swarm").Inc()
		return d.Enqueue(ctx, task, queuedBy)
	}

	target, err := d.selector.Select(candidates, task)
	if err != nil {
		swarmmetrics.DispatchDecisions.WithLabelValues("queued", "no_eligible_swarm").Inc()
		return d.Enqueue(ctx, task, queuedBy)
	}

	if !d.limiter.Allow(target.SwarmID) {
		swarmmetrics.DispatchDecisions.WithLabelValues("queued", "rate_limited").Inc()
		return d.Enqueue(ctx, task, queuedBy)
	}

	return d.dispatchTo(ctx, target.SwarmID, task)
}

// Enqueue appends a QueueEntry to the persisted dispatch queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task Task, queuedBy string) error {
	entry := QueueEntry{
		EntryID:  ulid.Make().String(),
		Task:     task,
		QueuedAt: time.Now(),
		QueuedBy: queuedBy,
	}
	return d.pushEntry(ctx, entry)
}

func (d *Dispatcher) pushEntry(ctx context.Context, entry QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return swarmerr.Internal("marshal queue entry", err)
	}
	if err := d.store.LPush(ctx, d.queueKey(), string(data)); err != nil {
		return err
	}
	swarmmetrics.DispatchQueueDepth.Inc()
	return nil
}

// Drain pops up to batchSize entries in FIFO publication order and attempts
// to dispatch each. Called periodically by the current leader only.
func (d *Dispatcher) Drain(ctx context.Context, batchSize int) error {
	for i := 0; i < batchSize; i++ {
		raw, found, err := d.store.RPop(ctx, d.queueKey())
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		swarmmetrics.DispatchQueueDepth.Dec()

		var entry QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("dispatch: dropping unparseable queue entry: %v", err)
			continue
		}
		d.drainOne(ctx, entry)
	}
	return nil
}

func (d *Dispatcher) drainOne(ctx context.Context, entry QueueEntry) {
	candidates, err := d.registry.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		log.Printf("dispatch: list swarms failed during drain: %v", err)
		d.requeueOrDeadLetter(ctx, entry)
		return
	}
	if len(candidates) == 0 {
		d.requeueOrDeadLetter(ctx, entry)
		return
	}

	target, err := d.selector.Select(candidates, entry.Task)
	if err != nil {
		d.requeueOrDeadLetter(ctx, entry)
		return
	}

	if err := d.dispatchTo(ctx, target.SwarmID, entry.Task); err != nil {
		log.Printf("dispatch: failed to dispatch task %s to %s: %v", entry.Task.TaskID, target.SwarmID, err)
		d.breaker.RecordFailure()
		d.requeueOrDeadLetter(ctx, entry)
		return
	}
	d.breaker.RecordSuccess()
}

func (d *Dispatcher) requeueOrDeadLetter(ctx context.Context, entry QueueEntry) {
	entry.Attempts++
	if entry.Attempts >= d.config.MaxAttempts {
		d.deadLetter(ctx, entry)
		return
	}
	if err := d.pushEntry(ctx, entry); err != nil {
		log.Printf("dispatch: failed to requeue task %s: %v", entry.Task.TaskID, err)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, entry QueueEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("dispatch: failed to marshal dead-lettered entry: %v", err)
		return
	}
	if err := d.store.LPush(ctx, d.deadKey(), string(data)); err != nil {
		log.Printf("dispatch: failed to push dead letter: %v", err)
		return
	}
	if err := d.store.Expire(ctx, d.deadKey(), deadLetterTTL); err != nil {
		log.Printf("dispatch: failed to set dead letter TTL: %v", err)
	}
	swarmmetrics.DeadLettered.Inc()
	log.Printf("dispatch: task %s dead-lettered after %d attempts", entry.Task.TaskID, entry.Attempts)
}

func (d *Dispatcher) dispatchTo(ctx context.Context, swarmID string, task Task) error {
	payload, err := msgpack.Marshal(map[string]interface{}{
		"type":    "task_assignment",
		"task_id": task.TaskID,
		"payload": task.Payload,
	})
	if err != nil {
		return swarmerr.Internal("marshal task assignment", err)
	}
	if _, err := d.messenger.SendTo(ctx, swarmID, payload); err != nil {
		return err
	}
	swarmmetrics.DispatchDecisions.WithLabelValues("dispatched", fmt.Sprintf("strategy_%s", d.config.Strategy)).Inc()
	return nil
}
