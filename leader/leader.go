// Package leader implements Redis-lock-based single-leader election with
// TTL renewal and a fencing epoch, backed by a single Redis store (no
// separate durable epoch store; the epoch counter lives in Redis via
// rstore.IncrementEpoch).
package leader

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// LockMetadata is the JSON value stored at the lock key, used to verify
// ownership on renew/release and to carry the fencing epoch.
type LockMetadata struct {
	OwnerSwarmID string    `json:"owner_swarm_id"`
	Epoch        int64     `json:"epoch"`
	RequestID    string    `json:"request_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type fencingKey struct{}

// EpochFromContext extracts the fencing epoch a leader-only context was
// tagged with. The context passed to OnElected callbacks carries it, and is
// cancelled the instant leadership is lost.
func EpochFromContext(ctx context.Context) (int64, bool) {
	epoch, ok := ctx.Value(fencingKey{}).(int64)
	return epoch, ok
}

// State is a point-in-time snapshot of the elector for statistics/inspection.
type State struct {
	IsLeader    bool
	Epoch       int64
	Transitions int64
	SwarmID     string
}

// Elector runs Redis-lock-based leader election for a single lock key
// shared across the cluster.
type Elector struct {
	store   *rstore.Store
	swarmID string
	lockKey string
	ttl     time.Duration

	onElected func(context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	transitions  int64
	leaderCancel context.CancelFunc

	cancel context.CancelFunc
}

// New constructs an Elector contesting lockKey with the given lease TTL.
// Callbacks may be set before Start via OnElected/OnLost.
func New(store *rstore.Store, swarmID, lockKey string, ttl time.Duration) *Elector {
	return &Elector{
		store:   store,
		swarmID: swarmID,
		lockKey: lockKey,
		ttl:     ttl,
	}
}

func (e *Elector) OnElected(fn func(ctx context.Context)) { e.onElected = fn }
func (e *Elector) OnLost(fn func())                       { e.onLost = fn }

// Start begins the acquire/renew loop, returning once the first iteration
// is scheduled. The loop stops when ctx is cancelled.
func (e *Elector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(ctx)
}

// Stop cancels the election loop and, if this process holds the lock,
// releases it and steps down (cancelling the OnElected context and firing
// OnLost).
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.IsLeader() {
		e.release()
		e.stepDown()
	}
}

func (e *Elector) loop(ctx context.Context) {
	interval := e.ttl / 3
	minInterval := interval
	maxInterval := 10 * e.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.IsLeader() {
				e.release()
			}
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						e.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("leader: renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("leader: too many renew failures, stepping down")
						e.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					e.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

// IsLeader reports whether this process currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// State returns a snapshot for statistics.
func (e *Elector) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return State{IsLeader: e.isLeader, Epoch: e.currentEpoch, Transitions: e.transitions, SwarmID: e.swarmID}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	epoch, err := e.store.IncrementEpoch(ctx, e.lockKey)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.currentEpoch = epoch
	e.mu.Unlock()

	meta := LockMetadata{
		OwnerSwarmID: e.swarmID,
		Epoch:        epoch,
		RequestID:    uuid.NewString(),
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(e.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := e.store.AcquireLease(ctx, e.lockKey, val, e.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		e.mu.Lock()
		e.currentValue = val
		e.mu.Unlock()
	}
	return acquired, nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return e.store.RenewLease(ctx, e.lockKey, val, e.ttl)
}

func (e *Elector) release() {
	e.mu.RLock()
	val := e.currentValue
	e.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.store.ReleaseLease(ctx, e.lockKey, val); err != nil {
		log.Printf("leader: release failed: %v", err)
	}
}

func (e *Elector) becomeLeader() {
	e.mu.Lock()
	e.isLeader = true
	e.transitions++
	ctx, cancel := context.WithCancel(context.Background())
	e.leaderCancel = cancel
	leaderCtx := context.WithValue(ctx, fencingKey{}, e.currentEpoch)
	epoch := e.currentEpoch
	swarmID := e.swarmID
	e.mu.Unlock()

	swarmmetrics.LeadershipTransitions.WithLabelValues(swarmID, "acquired").Inc()
	swarmmetrics.LeaderEpoch.WithLabelValues(swarmID).Set(float64(epoch))
	swarmmetrics.LeaderStatus.Set(1)
	log.Printf("leader: swarm %s acquired leadership (epoch %d)", swarmID, epoch)

	if e.onElected != nil {
		go e.onElected(leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.transitions++
	swarmID := e.swarmID
	if e.leaderCancel != nil {
		e.leaderCancel()
	}
	e.mu.Unlock()

	swarmmetrics.LeaderStatus.Set(0)
	swarmmetrics.LeadershipTransitions.WithLabelValues(swarmID, "lost").Inc()
	log.Printf("leader: swarm %s lost leadership", swarmID)

	if e.onLost != nil {
		e.onLost()
	}
}
