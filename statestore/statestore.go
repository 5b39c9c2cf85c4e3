// Package statestore persists compressed, versioned, integrity-hashed
// per-swarm state snapshots and longer-retained recovery checkpoints.
package statestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"

	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Snapshot is the opaque, compressed state for a single swarm. Its interior
// is never read by any component but the StateStore itself.
type Snapshot struct {
	SwarmID   string
	Version   int64
	StateHash string
	TakenAt   time.Time
	raw       []byte // decompressed, for restoreLatest's caller
}

// Raw returns the decompressed state bytes.
func (s Snapshot) Raw() []byte { return s.raw }

// Checkpoint is a retained recovery point, kept longer than live state.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	SwarmID      string    `json:"swarm_id"`
	Phase        string    `json:"phase"`
	TakenAt      time.Time `json:"taken_at"`
	Confidence   float64   `json:"confidence"` // opaque metadata; no consumer reads this today
	StateHash    string    `json:"state_hash"`
}

// Config tunes retention.
type Config struct {
	StateTTL      time.Duration
	CheckpointTTL time.Duration
}

func DefaultConfig() Config {
	return Config{StateTTL: time.Hour, CheckpointTTL: 7 * 24 * time.Hour}
}

// Store persists snapshots and checkpoints in Redis.
type Store struct {
	store   *rstore.Store
	config  Config
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func New(store *rstore.Store, config Config) (*Store, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, swarmerr.Internal("create zstd encoder", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, swarmerr.Internal("create zstd decoder", err)
	}
	return &Store{store: store, config: config, encoder: encoder, decoder: decoder}, nil
}

func stateKey(swarmID string) string { return "swarm:state:" + swarmID }
func checkpointKey(swarmID, checkpointID string) string {
	return "swarm:recovery:" + swarmID + ":" + checkpointID
}
func checkpointIndexKey(swarmID string) string { return "swarm:recovery:" + swarmID + ":index" }

func hashOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Snapshot compresses and versioned-writes raw as swarmID's live state,
// overwriting any prior snapshot. expectedVersion is the version the caller
// last saw (0 on first write); the write succeeds only if it still matches,
// and the new version, expectedVersion+1, is returned. Callers wanting
// optimistic concurrency should round-trip the version returned by the
// previous Snapshot/RestoreLatest.
func (s *Store) Snapshot(ctx context.Context, swarmID string, raw []byte, expectedVersion int64) (int64, error) {
	compressed := s.encoder.EncodeAll(raw, nil)
	hash := hashOf(raw)
	newVersion := expectedVersion + 1

	encoded := encodeEnvelope(compressed, hash)
	ok, err := s.store.EvalVersionedCAS(ctx, stateKey(swarmID), expectedVersion, string(encoded), newVersion, s.config.StateTTL, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, swarmerr.VersionMismatch(fmt.Sprintf("snapshot for swarm %s is at a newer version than %d", swarmID, expectedVersion))
	}
	swarmmetrics.SnapshotBytes.Observe(float64(len(compressed)))
	return newVersion, nil
}

// RestoreLatest reads back swarmID's most recent snapshot.
func (s *Store) RestoreLatest(ctx context.Context, swarmID string) (Snapshot, error) {
	valueStr, version, timestamp, found, err := s.store.EvalVersionedGet(ctx, stateKey(swarmID))
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, swarmerr.NotFound(fmt.Sprintf("no snapshot for swarm %s", swarmID))
	}

	compressed, hash, err := decodeEnvelope([]byte(valueStr))
	if err != nil {
		return Snapshot{}, swarmerr.Internal("decode snapshot envelope", err)
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return Snapshot{}, swarmerr.Internal("decompress snapshot", err)
	}
	if hashOf(raw) != hash {
		return Snapshot{}, swarmerr.Internal("snapshot integrity hash mismatch", nil)
	}

	return Snapshot{
		SwarmID:   swarmID,
		Version:   version,
		StateHash: hash,
		TakenAt:   time.UnixMilli(timestamp),
		raw:       raw,
	}, nil
}

// TakeCheckpoint records a recovery checkpoint for swarmID at phase,
// retained for CheckpointTTL (longer than live state).
func (s *Store) TakeCheckpoint(ctx context.Context, swarmID, phase string, stateHash string, confidence float64) (Checkpoint, error) {
	ckpt := Checkpoint{
		CheckpointID: ulid.Make().String(),
		SwarmID:      swarmID,
		Phase:        phase,
		TakenAt:      time.Now(),
		Confidence:   confidence,
		StateHash:    stateHash,
	}
	data, err := marshalCheckpoint(ckpt)
	if err != nil {
		return Checkpoint{}, err
	}
	if err := s.store.Set(ctx, checkpointKey(swarmID, ckpt.CheckpointID), string(data), s.config.CheckpointTTL); err != nil {
		return Checkpoint{}, err
	}
	if err := s.store.SAdd(ctx, checkpointIndexKey(swarmID), ckpt.CheckpointID); err != nil {
		return Checkpoint{}, err
	}
	return ckpt, nil
}

// ListCheckpoints returns every retained checkpoint for swarmID.
func (s *Store) ListCheckpoints(ctx context.Context, swarmID string) ([]Checkpoint, error) {
	ids, err := s.store.SMembers(ctx, checkpointIndexKey(swarmID))
	if err != nil {
		return nil, err
	}
	checkpoints := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		data, found, err := s.store.Get(ctx, checkpointKey(swarmID, id))
		if err != nil {
			return nil, err
		}
		if !found {
			// TTL expired; drop the stale index entry so future lists don't
			// keep re-querying a checkpoint that is already gone.
			_ = s.store.SRem(ctx, checkpointIndexKey(swarmID), id)
			continue
		}
		ckpt, err := unmarshalCheckpoint([]byte(data))
		if err != nil {
			continue
		}
		checkpoints = append(checkpoints, ckpt)
	}
	return checkpoints, nil
}

// encodeEnvelope packs compressed state and its hash into a single string
// value so the versioned CAS primitive (which stores one opaque value) can
// carry both.
func encodeEnvelope(compressed []byte, hash string) []byte {
	var buf bytes.Buffer
	buf.WriteString(hash)
	buf.WriteByte('\n')
	buf.Write(compressed)
	return buf.Bytes()
}

func decodeEnvelope(data []byte) (compressed []byte, hash string, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, "", fmt.Errorf("malformed snapshot envelope")
	}
	return data[idx+1:], string(data[:idx]), nil
}

func marshalCheckpoint(c Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

func unmarshalCheckpoint(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, err
	}
	return c, nil
}

// Close releases the zstd decoder's background goroutines. The encoder has
// none to release.
func (s *Store) Close() {
	s.decoder.Close()
}
