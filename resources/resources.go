// Package resources implements pooled resource allocation and release with
// accounting, using the same scripted compare-and-update pattern as the
// leader lock primitives to stay race-free across concurrent leaders during
// a split-brain window.
package resources

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Arbiter tracks integer-valued resource pools per resourceType, with a
// per-swarm allocation counter for each.
type Arbiter struct {
	store  *rstore.Store
	prefix string
}

func New(store *rstore.Store, prefix string) *Arbiter {
	return &Arbiter{store: store, prefix: prefix}
}

func (a *Arbiter) availableKey(resourceType string) string {
	return fmt.Sprintf("%s:resources:%s:available", a.prefix, resourceType)
}

func (a *Arbiter) allocationKey(resourceType, swarmID string) string {
	return fmt.Sprintf("%s:resources:%s:%s", a.prefix, resourceType, swarmID)
}

// heldTypesKey indexes which resource types swarmID currently holds an
// allocation for, so DeallocateAll can enumerate them without the caller
// having to already know every type in play.
func (a *Arbiter) heldTypesKey(swarmID string) string {
	return fmt.Sprintf("%s:resources:held:%s", a.prefix, swarmID)
}

// SeedPool sets the total pool capacity for resourceType. Intended for
// cluster bootstrap, not steady-state operation.
func (a *Arbiter) SeedPool(ctx context.Context, resourceType string, capacity int64) error {
	return a.store.Set(ctx, a.availableKey(resourceType), strconv.FormatInt(capacity, 10), 0)
}

// Allocate atomically decrements available(type) and credits swarmID's
// allocation, failing with InvalidAmount for amount <= 0 and
// InsufficientResources if the pool cannot cover the request.
func (a *Arbiter) Allocate(ctx context.Context, resourceType, swarmID string, amount int64) error {
	if amount <= 0 {
		return swarmerr.InvalidAmount(fmt.Sprintf("allocation amount must be positive, got %d", amount))
	}
	ok, err := a.store.EvalPoolAllocate(ctx, a.availableKey(resourceType), a.allocationKey(resourceType, swarmID), amount)
	if err != nil {
		return err
	}
	if !ok {
		swarmmetrics.ResourceAllocationFailures.WithLabelValues(resourceType, "insufficient").Inc()
		return swarmerr.InsufficientResources(fmt.Sprintf("insufficient %s capacity for swarm %s", resourceType, swarmID))
	}
	if err := a.store.SAdd(ctx, a.heldTypesKey(swarmID), resourceType); err != nil {
		return err
	}
	a.refreshGauge(ctx, resourceType)
	return nil
}

// Release atomically returns amount from swarmID's allocation back to the
// pool, rejecting attempts to release more than is currently allocated.
func (a *Arbiter) Release(ctx context.Context, resourceType, swarmID string, amount int64) error {
	if amount <= 0 {
		return swarmerr.InvalidAmount(fmt.Sprintf("release amount must be positive, got %d", amount))
	}
	ok, err := a.store.EvalPoolRelease(ctx, a.availableKey(resourceType), a.allocationKey(resourceType, swarmID), amount)
	if err != nil {
		return err
	}
	if !ok {
		swarmmetrics.ResourceAllocationFailures.WithLabelValues(resourceType, "over_release").Inc()
		return swarmerr.InvalidAmount(fmt.Sprintf("cannot release %d of %s: exceeds swarm %s's allocation", amount, resourceType, swarmID))
	}
	a.refreshGauge(ctx, resourceType)
	return nil
}

// DeallocateAll returns every outstanding allocation swarmID holds, across
// every resource type it has ever allocated, back to their respective pools.
// Called on deregistration.
func (a *Arbiter) DeallocateAll(ctx context.Context, swarmID string) error {
	resourceTypes, err := a.store.SMembers(ctx, a.heldTypesKey(swarmID))
	if err != nil {
		return err
	}
	for _, resourceType := range resourceTypes {
		val, found, err := a.store.Get(ctx, a.allocationKey(resourceType, swarmID))
		if err != nil {
			return err
		}
		if found && val != "0" && val != "" {
			amount, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return swarmerr.Internal("parse allocation amount", err)
			}
			if amount > 0 {
				if err := a.Release(ctx, resourceType, swarmID, amount); err != nil {
					return err
				}
			}
		}
		if err := a.store.SRem(ctx, a.heldTypesKey(swarmID), resourceType); err != nil {
			return err
		}
	}
	return nil
}

// Available returns the current unallocated capacity for resourceType.
func (a *Arbiter) Available(ctx context.Context, resourceType string) (int64, error) {
	val, found, err := a.store.Get(ctx, a.availableKey(resourceType))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return strconv.ParseInt(val, 10, 64)
}

func (a *Arbiter) refreshGauge(ctx context.Context, resourceType string) {
	available, err := a.Available(ctx, resourceType)
	if err != nil {
		return
	}
	swarmmetrics.ResourcePoolAvailable.WithLabelValues(resourceType).Set(float64(available))
}
