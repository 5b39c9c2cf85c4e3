package leader

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lattice-labs/swarmcore/rstore"
)

// Janitor periodically reclaims stale or fenced lock entries that an
// elector's own release path missed (crashed owner, network partition).
type Janitor struct {
	store    *rstore.Store
	pattern  string
	interval time.Duration
}

// NewJanitor scans keys matching pattern (e.g. "leader:*") every interval.
func NewJanitor(store *rstore.Store, pattern string, interval time.Duration) *Janitor {
	return &Janitor{store: store, pattern: pattern, interval: interval}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

// clean applies two checks to every matching lock: a fencing check (the
// epoch embedded in the lock is behind the key's current epoch counter,
// meaning a newer election round has already begun) and a staleness check
// (the lock's recorded expiry plus a grace period has passed). Either
// condition force-releases the lock.
func (j *Janitor) clean(ctx context.Context) {
	keys, err := j.store.ScanKeys(ctx, j.pattern)
	if err != nil {
		log.Printf("leader janitor: scan failed: %v", err)
		return
	}

	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}

		val, err := j.store.GetLeaseHolder(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("leader janitor: failed to unmarshal lock %s: %v", key, err)
			continue
		}

		currentEpoch, err := j.currentEpoch(ctx, key)
		if err != nil {
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("leader janitor: fencing lock %s (epoch %d < current %d), force releasing", key, meta.Epoch, currentEpoch)
			if err := j.store.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("leader janitor: failed to release fenced lock %s: %v", key, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("leader janitor: reclaiming stale lock %s (expired %s)", key, meta.ExpiresAt)
			if err := j.store.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("leader janitor: failed to release stale lock %s: %v", key, err)
			}
		}
	}
}

// currentEpoch peeks the epoch counter without incrementing it.
func (j *Janitor) currentEpoch(ctx context.Context, lockKey string) (int64, error) {
	val, err := j.store.GetLeaseHolder(ctx, lockKey+":epoch")
	if err != nil {
		return 0, err
	}
	if val == "" {
		return 0, nil
	}
	return strconv.ParseInt(val, 10, 64)
}
