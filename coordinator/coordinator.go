// Package coordinator composes the substrate's pieces into the single
// public orchestration façade a process instantiates: Coordinator. It
// constructs and owns the registry, messenger, elector, dispatcher, arbiter,
// resolver, and state store; none of them hold a pointer back to the coordinator, so
// the ownership graph stays one-way (the coordinator reaches them, they
// never reach it — cross-cutting notices go out through the injected
// EventSink instead of a back-reference).
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lattice-labs/swarmcore/codec"
	"github.com/lattice-labs/swarmcore/conflict"
	"github.com/lattice-labs/swarmcore/dispatch"
	"github.com/lattice-labs/swarmcore/leader"
	"github.com/lattice-labs/swarmcore/messenger"
	"github.com/lattice-labs/swarmcore/registry"
	"github.com/lattice-labs/swarmcore/resources"
	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/statestore"
	"github.com/lattice-labs/swarmcore/swarmerr"
)

// Event names emitted on the coordinator's event sink.
const (
	EventInitialized       = "initialized"
	EventBecameLeader      = "became_leader"
	EventBecameFollower    = "became_follower"
	EventLeaderChanged     = "leader_changed"
	EventTaskDistributed   = "task_distributed"
	EventTaskQueued        = "task_queued"
	EventTaskCompleted     = "task_completed"
	EventResourceAllocated = "resource_allocated"
	EventResourceReleased  = "resource_released"
	EventConflictResolved  = "conflict_resolved"
	EventSwarmHealthIssue  = "swarm_health_issue"
	EventShutdown          = "shutdown"
)

// Event is published to the coordinator's event sink.
type Event struct {
	Name    string
	SwarmID string
	Detail  string
}

// EventSink receives coordinator lifecycle and activity notifications.
type EventSink func(Event)

// Config is the coordinator's full configuration surface.
type Config struct {
	Prefix              string
	LeaderTTL           time.Duration
	HeartbeatInterval   time.Duration
	InterruptThreshold  time.Duration
	DispatchBatch       int
	DispatchInterval    time.Duration
	HealthInterval      time.Duration
	ResourceOptInterval time.Duration
	MaxMessageSize      int
	MessageRetention    int64
	MessageTTL          time.Duration
	StateTTL            time.Duration
	CheckpointTTL       time.Duration
	MaxAttempts         int
	TaskStrategy        dispatch.Strategy
	ConflictStrategy    conflict.Strategy
}

// DefaultConfig returns the configuration defaults from the external
// interface table: 30s leader TTL, 15s heartbeat, 60s interrupt threshold,
// batches of 10 drained every 5s, 30s health sweeps, 1MiB messages retained
// 1000-deep for an hour, state kept an hour, checkpoints kept a week.
func DefaultConfig() Config {
	return Config{
		Prefix:              "swarm",
		LeaderTTL:           30 * time.Second,
		HeartbeatInterval:   15 * time.Second,
		InterruptThreshold:  60 * time.Second,
		DispatchBatch:       10,
		DispatchInterval:    5 * time.Second,
		HealthInterval:      30 * time.Second,
		ResourceOptInterval: 15 * time.Second,
		MaxMessageSize:      1 << 20,
		MessageRetention:    1000,
		MessageTTL:          time.Hour,
		StateTTL:            time.Hour,
		CheckpointTTL:       7 * 24 * time.Hour,
		MaxAttempts:         3,
		TaskStrategy:        dispatch.StrategyLeastLoaded,
		ConflictStrategy:    conflict.StrategyPriority,
	}
}

// Statistics is a read-only view of coordinator counters.
type Statistics struct {
	IsLeader          bool
	LeadershipChanges int64
	TasksDistributed  int64
	TasksQueued       int64
	ConflictsResolved int64
}

// Coordinator is the public orchestration façade bound to one swarmId.
type Coordinator struct {
	swarmID string
	config  Config
	sink    EventSink

	store      *rstore.Store
	registry   *registry.Registry
	messenger  *messenger.Messenger
	elector    *leader.Elector
	dispatcher *dispatch.Dispatcher
	arbiter    *resources.Arbiter
	resolver   *conflict.Resolver
	state      *statestore.Store

	mu            sync.RWMutex
	currentLeader string

	leaderChanges     int64
	tasksDistributed  int64
	tasksQueued       int64
	conflictsResolved int64

	cancelRun    context.CancelFunc
	shutdownOnce sync.Once
}

// New wires every component for swarmID against store, ready for
// Initialize.
func New(store *rstore.Store, swarmID string, config Config, sink EventSink) (*Coordinator, error) {
	if sink == nil {
		sink = func(Event) {}
	}

	reg := registry.New(store, registry.Config{InterruptThreshold: config.InterruptThreshold})

	msgrConfig := messenger.Config{
		Prefix:           config.Prefix,
		MaxMessageSize:   config.MaxMessageSize,
		MessageRetention: config.MessageRetention,
		MessageTTL:       config.MessageTTL,
		RequestRateLimit: 50,
	}
	msgr := messenger.New(store, swarmID, msgrConfig)

	dispatchConfig := dispatch.Config{
		Prefix:         config.Prefix,
		MaxAttempts:    config.MaxAttempts,
		DispatchBatch:  config.DispatchBatch,
		QueueThreshold: 500,
		Strategy:       config.TaskStrategy,
	}
	dispatcher := dispatch.New(store, reg, msgr, dispatchConfig)

	arbiter := resources.New(store, config.Prefix)
	resolver := conflict.New(msgr)

	stateStore, err := statestore.New(store, statestore.Config{StateTTL: config.StateTTL, CheckpointTTL: config.CheckpointTTL})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		swarmID:    swarmID,
		config:     config,
		sink:       sink,
		store:      store,
		registry:   reg,
		messenger:  msgr,
		dispatcher: dispatcher,
		arbiter:    arbiter,
		resolver:   resolver,
		state:      stateStore,
	}
	c.elector = leader.New(store, swarmID, config.Prefix+":leader", config.LeaderTTL)
	c.elector.OnElected(c.becomeLeader)
	c.elector.OnLost(c.becomeFollower)
	return c, nil
}

// Initialize registers the swarm, starts the messenger's dispatch loop,
// joins leader election, and subscribes to every channel this swarm must
// hear from. Emits `initialized`.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := c.registry.Register(ctx, registry.Record{SwarmID: c.swarmID}); err != nil {
		return err
	}
	if err := c.registry.UpdateStatus(ctx, c.swarmID, registry.StatusActive); err != nil {
		return err
	}

	for _, channel := range []string{
		c.config.Prefix + ":swarm:" + c.swarmID,
		c.config.Prefix + ":coordination",
		c.config.Prefix + ":tasks",
		c.config.Prefix + ":events",
		c.config.Prefix + ":global",
	} {
		if err := c.messenger.Subscribe(ctx, channel); err != nil {
			return err
		}
	}

	c.messenger.OnMessage("leader_announcement", c.handleLeaderAnnouncement)
	c.messenger.OnMessage("task_submission", c.handleTaskSubmission)
	c.messenger.OnMessage("resource_allocate", c.handleResourceAllocate)
	c.messenger.OnMessage("resource_release", c.handleResourceRelease)

	// A leader elected before this swarm subscribed announced itself too
	// early to be heard; learn it from the lease key instead.
	if holder, err := c.store.GetLeaseHolder(ctx, c.config.Prefix+":leader"); err == nil && holder != "" {
		var meta leader.LockMetadata
		if err := json.Unmarshal([]byte(holder), &meta); err == nil && meta.OwnerSwarmID != "" {
			c.mu.Lock()
			if c.currentLeader == "" {
				c.currentLeader = meta.OwnerSwarmID
			}
			c.mu.Unlock()
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancelRun = cancel
	go c.messenger.Run(runCtx)
	go c.heartbeatLoop(runCtx)

	c.elector.Start(ctx)

	c.emit(Event{Name: EventInitialized, SwarmID: c.swarmID})
	return nil
}

// IsLeader reports whether this process currently holds leadership.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

// CurrentLeader returns the last known leader swarmId, or "" if unknown.
func (c *Coordinator) CurrentLeader() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentLeader
}

// Statistics returns a read-only snapshot of coordinator counters.
func (c *Coordinator) Statistics() Statistics {
	return Statistics{
		IsLeader:          c.elector.IsLeader(),
		LeadershipChanges: atomic.LoadInt64(&c.leaderChanges),
		TasksDistributed:  atomic.LoadInt64(&c.tasksDistributed),
		TasksQueued:       atomic.LoadInt64(&c.tasksQueued),
		ConflictsResolved: atomic.LoadInt64(&c.conflictsResolved),
	}
}

// SubmitTask dispatches a task if this process is leader; otherwise it
// forwards the submission to the known leader, or enqueues it through the
// dispatcher's own persisted queue if no leader is currently known.
func (c *Coordinator) SubmitTask(ctx context.Context, task dispatch.Task) error {
	if c.elector.IsLeader() {
		if err := c.dispatcher.Submit(ctx, task, c.swarmID); err != nil {
			return err
		}
		atomic.AddInt64(&c.tasksDistributed, 1)
		c.emit(Event{Name: EventTaskDistributed, SwarmID: c.swarmID, Detail: task.TaskID})
		return nil
	}

	target := c.CurrentLeader()
	if target == "" {
		if err := c.dispatcher.Enqueue(ctx, task, c.swarmID); err != nil {
			return err
		}
		atomic.AddInt64(&c.tasksQueued, 1)
		c.emit(Event{Name: EventTaskQueued, SwarmID: c.swarmID, Detail: task.TaskID})
		return nil
	}

	payload, err := msgpack.Marshal(map[string]interface{}{
		"type":         "task_submission",
		"task_id":      task.TaskID,
		"payload":      task.Payload,
		"priority":     task.Priority,
		"capabilities": task.Capabilities,
	})
	if err != nil {
		return swarmerr.Internal("marshal task submission", err)
	}
	if _, err := c.messenger.SendTo(ctx, target, payload); err != nil {
		return err
	}
	atomic.AddInt64(&c.tasksQueued, 1)
	c.emit(Event{Name: EventTaskQueued, SwarmID: c.swarmID, Detail: task.TaskID})
	return nil
}

// Allocate requests resourceType/amount from the arbiter, forwarding to the
// leader if this process is a follower.
func (c *Coordinator) Allocate(ctx context.Context, resourceType string, amount int64) error {
	if !c.elector.IsLeader() {
		return c.forwardResourceRequest(ctx, "resource_allocate", resourceType, amount)
	}
	if err := c.arbiter.Allocate(ctx, resourceType, c.swarmID, amount); err != nil {
		return err
	}
	c.emit(Event{Name: EventResourceAllocated, SwarmID: c.swarmID, Detail: fmt.Sprintf("%s:%d", resourceType, amount)})
	return nil
}

// Release returns resourceType/amount to the arbiter, forwarding to the
// leader if this process is a follower.
func (c *Coordinator) Release(ctx context.Context, resourceType string, amount int64) error {
	if !c.elector.IsLeader() {
		return c.forwardResourceRequest(ctx, "resource_release", resourceType, amount)
	}
	if err := c.arbiter.Release(ctx, resourceType, c.swarmID, amount); err != nil {
		return err
	}
	c.emit(Event{Name: EventResourceReleased, SwarmID: c.swarmID, Detail: fmt.Sprintf("%s:%d", resourceType, amount)})
	return nil
}

func (c *Coordinator) forwardResourceRequest(ctx context.Context, kind, resourceType string, amount int64) error {
	target := c.CurrentLeader()
	if target == "" {
		return swarmerr.Unavailable("no known leader to forward resource request to", nil)
	}
	payload, err := msgpack.Marshal(map[string]interface{}{
		"type":          kind,
		"resource_type": resourceType,
		"amount":        amount,
		"swarm_id":      c.swarmID,
	})
	if err != nil {
		return swarmerr.Internal("marshal resource request", err)
	}
	resp, err := c.messenger.Request(ctx, target, payload, 5*time.Second)
	if err != nil {
		return err
	}
	var decoded struct {
		Error string `msgpack:"error"`
	}
	if err := msgpack.Unmarshal(resp.Payload, &decoded); err == nil && decoded.Error != "" {
		return swarmerr.RemoteError(decoded.Error)
	}
	return nil
}

// SendTo, Broadcast and Request are thin passthroughs to the messenger.
func (c *Coordinator) SendTo(ctx context.Context, targetSwarmID string, payload []byte) (string, error) {
	return c.messenger.SendTo(ctx, targetSwarmID, payload)
}

func (c *Coordinator) Broadcast(ctx context.Context, payload []byte) (string, error) {
	return c.messenger.Broadcast(ctx, payload)
}

func (c *Coordinator) Request(ctx context.Context, targetSwarmID string, payload []byte, timeout time.Duration) ([]byte, error) {
	env, err := c.messenger.Request(ctx, targetSwarmID, payload, timeout)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// OnMessage registers a typed handler on the underlying messenger.
func (c *Coordinator) OnMessage(messageType string, handler messenger.Handler) {
	c.messenger.OnMessage(messageType, handler)
}

// ResolveConflict resolves a cross-swarm conflict using the coordinator's
// configured strategy.
func (c *Coordinator) ResolveConflict(ctx context.Context, conf conflict.Conflict) (conflict.Resolution, error) {
	activeSwarms, err := c.registry.ListSwarms(ctx, registry.Filter{Status: registry.StatusActive})
	if err != nil {
		return conflict.Resolution{}, err
	}
	resolution, err := c.resolver.Resolve(ctx, conf, c.config.ConflictStrategy, len(activeSwarms))
	if err != nil {
		return conflict.Resolution{}, err
	}
	atomic.AddInt64(&c.conflictsResolved, 1)
	c.emit(Event{Name: EventConflictResolved, SwarmID: resolution.Winner, Detail: resolution.Reason})
	return resolution, nil
}

// Snapshot writes a compressed state snapshot for this swarm.
func (c *Coordinator) Snapshot(ctx context.Context, raw []byte, expectedVersion int64) (int64, error) {
	return c.state.Snapshot(ctx, c.swarmID, raw, expectedVersion)
}

// RestoreLatest reads back this swarm's most recent state snapshot.
func (c *Coordinator) RestoreLatest(ctx context.Context) (statestore.Snapshot, error) {
	return c.state.RestoreLatest(ctx, c.swarmID)
}

// Shutdown stops leader duties, releases the lease if held, closes the
// messenger, and deregisters. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var shutdownErr error
	c.shutdownOnce.Do(func() {
		c.elector.Stop()
		if c.cancelRun != nil {
			c.cancelRun()
		}
		if err := c.messenger.Close(); err != nil {
			log.Printf("coordinator: messenger close failed: %v", err)
		}
		if err := c.arbiter.DeallocateAll(ctx, c.swarmID); err != nil {
			log.Printf("coordinator: failed to deallocate resources on shutdown: %v", err)
		}
		if err := c.registry.Deregister(ctx, c.swarmID, "graceful shutdown"); err != nil {
			shutdownErr = err
			return
		}
		c.state.Close()
		c.emit(Event{Name: EventShutdown, SwarmID: c.swarmID})
	})
	return shutdownErr
}

func (c *Coordinator) emit(e Event) {
	c.sink(e)
}

// handleLeaderAnnouncement tracks the cluster's known leader from
// leader_announcement broadcasts, so followers can forward submissions
// without contacting Redis on every call.
func (c *Coordinator) handleLeaderAnnouncement(env codec.Envelope) {
	var decoded struct {
		SwarmID string `msgpack:"swarm_id"`
	}
	if err := msgpack.Unmarshal(env.Payload, &decoded); err != nil || decoded.SwarmID == "" {
		return
	}
	c.mu.Lock()
	previous := c.currentLeader
	changed := previous != decoded.SwarmID
	c.currentLeader = decoded.SwarmID
	c.mu.Unlock()
	if changed {
		// A process's own becomeLeader already counts its election; this
		// handler only needs to count a handoff between two other swarms,
		// not this swarm's first-ever discovery of who the leader is.
		if previous != "" {
			atomic.AddInt64(&c.leaderChanges, 1)
		}
		c.emit(Event{Name: EventLeaderChanged, SwarmID: decoded.SwarmID})
	}
}

// handleTaskSubmission is the leader-side counterpart to SubmitTask's
// follower-forwarding branch: a follower with no local leadership sends the
// task here instead of dispatching it directly.
func (c *Coordinator) handleTaskSubmission(env codec.Envelope) {
	if !c.elector.IsLeader() {
		return
	}
	var decoded struct {
		TaskID       string   `msgpack:"task_id"`
		Payload      []byte   `msgpack:"payload"`
		Priority     string   `msgpack:"priority"`
		Capabilities []string `msgpack:"capabilities"`
	}
	if err := msgpack.Unmarshal(env.Payload, &decoded); err != nil {
		log.Printf("coordinator: malformed task submission from %s: %v", env.FromSwarm, err)
		return
	}
	task := dispatch.Task{
		TaskID:       decoded.TaskID,
		Payload:      decoded.Payload,
		Priority:     decoded.Priority,
		Capabilities: decoded.Capabilities,
	}
	ctx := context.Background()
	if err := c.dispatcher.Submit(ctx, task, env.FromSwarm); err != nil {
		log.Printf("coordinator: failed to submit task %s forwarded by %s: %v", decoded.TaskID, env.FromSwarm, err)
		return
	}
	atomic.AddInt64(&c.tasksDistributed, 1)
	c.emit(Event{Name: EventTaskDistributed, SwarmID: env.FromSwarm, Detail: decoded.TaskID})
}

func (c *Coordinator) handleResourceAllocate(env codec.Envelope) {
	c.handleResourceRequest(env, true)
}

func (c *Coordinator) handleResourceRelease(env codec.Envelope) {
	c.handleResourceRequest(env, false)
}

// handleResourceRequest is the leader-side counterpart to
// forwardResourceRequest: it performs the allocate/release on the requester's
// behalf and replies so the requester's blocking Request call resolves.
func (c *Coordinator) handleResourceRequest(env codec.Envelope, allocate bool) {
	ctx := context.Background()
	var decoded struct {
		ResourceType string `msgpack:"resource_type"`
		Amount       int64  `msgpack:"amount"`
		SwarmID      string `msgpack:"swarm_id"`
	}
	if err := msgpack.Unmarshal(env.Payload, &decoded); err != nil {
		c.respondError(ctx, env, "malformed resource request")
		return
	}
	if !c.elector.IsLeader() {
		c.respondError(ctx, env, "not current leader")
		return
	}

	var opErr error
	eventName := EventResourceAllocated
	if allocate {
		opErr = c.arbiter.Allocate(ctx, decoded.ResourceType, decoded.SwarmID, decoded.Amount)
	} else {
		opErr = c.arbiter.Release(ctx, decoded.ResourceType, decoded.SwarmID, decoded.Amount)
		eventName = EventResourceReleased
	}
	if opErr != nil {
		c.respondError(ctx, env, opErr.Error())
		return
	}

	c.emit(Event{Name: eventName, SwarmID: decoded.SwarmID, Detail: fmt.Sprintf("%s:%d", decoded.ResourceType, decoded.Amount)})
	c.respondOK(ctx, env)
}

func (c *Coordinator) respondOK(ctx context.Context, env codec.Envelope) {
	payload, err := msgpack.Marshal(map[string]interface{}{"error": ""})
	if err != nil {
		return
	}
	if err := c.messenger.Respond(ctx, env, payload); err != nil {
		log.Printf("coordinator: failed to respond to %s: %v", env.FromSwarm, err)
	}
}

func (c *Coordinator) respondError(ctx context.Context, env codec.Envelope, message string) {
	payload, err := msgpack.Marshal(map[string]interface{}{"error": message})
	if err != nil {
		return
	}
	if err := c.messenger.Respond(ctx, env, payload); err != nil {
		log.Printf("coordinator: failed to respond error to %s: %v", env.FromSwarm, err)
	}
}

// becomeLeader is the elector's OnElected callback: it announces this swarm
// as leader and starts the leader-only background loops, all stopped the
// instant ctx is cancelled (leadership lost).
func (c *Coordinator) becomeLeader(ctx context.Context) {
	c.mu.Lock()
	c.currentLeader = c.swarmID
	c.mu.Unlock()
	atomic.AddInt64(&c.leaderChanges, 1)
	c.emit(Event{Name: EventBecameLeader, SwarmID: c.swarmID})

	payload, err := msgpack.Marshal(map[string]interface{}{
		"type":     "leader_announcement",
		"swarm_id": c.swarmID,
	})
	if err == nil {
		if _, err := c.messenger.SendCoordination(context.Background(), payload); err != nil {
			log.Printf("coordinator: failed to announce leadership: %v", err)
		}
	}

	go c.dispatchLoop(ctx)
	go c.resourceOptimizationLoop(ctx)
	go c.healthSweepLoop(ctx)
}

// becomeFollower is the elector's OnLost callback.
func (c *Coordinator) becomeFollower() {
	c.emit(Event{Name: EventBecameFollower, SwarmID: c.swarmID})
}

// heartbeatLoop runs on every process regardless of leadership, keeping
// this swarm's registry entry from tripping the leader's interrupted sweep.
func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.registry.Heartbeat(ctx, c.swarmID); err != nil {
				log.Printf("coordinator: heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.dispatcher.Drain(ctx, c.config.DispatchBatch); err != nil {
				log.Printf("coordinator: dispatch drain failed: %v", err)
			}
		}
	}
}

// resourceOptimizationLoop ticks every ResourceOptInterval while this swarm
// leads and does nothing on each tick: it does not inspect allocations or
// swarm load, emits no advisories, and never preempts an allocation.
func (c *Coordinator) resourceOptimizationLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ResourceOptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) healthSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			interrupted, err := c.registry.SweepInterrupted(ctx)
			if err != nil {
				log.Printf("coordinator: health sweep failed: %v", err)
				continue
			}
			for _, swarmID := range interrupted {
				c.emit(Event{Name: EventSwarmHealthIssue, SwarmID: swarmID, Detail: "heartbeat_expired"})
			}
		}
	}
}
