// Package rstore wraps the go-redis client with the lock, lease, epoch and
// scripted compare-and-update primitives every substrate component is built
// on. Its exported Client is also used directly for pub/sub and publishing
// (messenger) and for the registry's set-if-absent create.
package rstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Store wraps a redis.Client with preloaded Lua scripts for the atomic
// operations the substrate needs (lease renewal, versioned CAS, pooled
// resource allocation).
type Store struct {
	Client *redis.Client

	renewLeaseSHA   string
	releaseLeaseSHA string
	versionedSetSHA string
	versionedGetSHA string
	versionedCASSHA string
	poolAllocSHA    string
	poolReleaseSHA  string
}

// Options configures a new Store.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and preloads every Lua script used by the substrate.
// Preloading avoids shipping script text on every call: ScriptLoad once at
// construction, EvalSha thereafter.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, swarmerr.Unavailable("connect to redis", err)
	}

	s := &Store{Client: client}
	scripts := []struct {
		src *string
		sha *string
	}{
		{&renewLeaseScript, &s.renewLeaseSHA},
		{&releaseLeaseScript, &s.releaseLeaseSHA},
		{&versionedSetScript, &s.versionedSetSHA},
		{&versionedGetScript, &s.versionedGetSHA},
		{&versionedCASScript, &s.versionedCASSHA},
		{&poolAllocateScript, &s.poolAllocSHA},
		{&poolReleaseScript, &s.poolReleaseSHA},
	}
	for _, sc := range scripts {
		sha, err := client.ScriptLoad(ctx, *sc.src).Result()
		if err != nil {
			return nil, swarmerr.Unavailable("preload lua script", err)
		}
		*sc.sha = sha
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func observe(start time.Time) {
	swarmmetrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Locks / leases ---

// AcquireLease attempts SET key value NX EX ttl. value should encode the
// owner identity so a later RenewLease/ReleaseLease can verify ownership.
func (s *Store) AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	ok, err := s.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, swarmerr.Unavailable("acquire lease", err)
	}
	return ok, nil
}

// RenewLease extends the TTL of key only if its current value equals value
// (CAS semantics), via a preloaded Lua script.
func (s *Store) RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.renewLeaseSHA, renewLeaseScript, []string{key}, value, int64(ttl/time.Millisecond))
	if err != nil {
		return false, swarmerr.Unavailable("renew lease", err)
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// ReleaseLease deletes key only if its current value equals value.
func (s *Store) ReleaseLease(ctx context.Context, key, value string) error {
	defer observe(time.Now())
	_, err := s.evalSha(ctx, &s.releaseLeaseSHA, releaseLeaseScript, []string{key}, value)
	if err != nil {
		return swarmerr.Unavailable("release lease", err)
	}
	return nil
}

// GetLeaseHolder returns the current value of key, or "" if absent.
func (s *Store) GetLeaseHolder(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := s.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", swarmerr.Unavailable("get lease holder", err)
	}
	return val, nil
}

// IncrementEpoch atomically increments and returns the epoch counter stored
// at key+":epoch". Used for fencing tokens.
func (s *Store) IncrementEpoch(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	v, err := s.Client.Incr(ctx, key+":epoch").Result()
	if err != nil {
		return 0, swarmerr.Unavailable("increment epoch", err)
	}
	return v, nil
}

// ScanKeys returns all keys matching pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.Client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, swarmerr.Unavailable("scan keys", err)
	}
	return keys, nil
}

// --- Generic hash record helpers (used by registry) ---

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	defer observe(time.Now())
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := s.Client.HSet(ctx, key, values...).Err(); err != nil {
		return swarmerr.Unavailable("hset", err)
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	defer observe(time.Now())
	m, err := s.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, swarmerr.Unavailable("hgetall", err)
	}
	return m, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	defer observe(time.Now())
	if err := s.Client.Del(ctx, key).Err(); err != nil {
		return swarmerr.Unavailable("del", err)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, member string) error {
	defer observe(time.Now())
	if err := s.Client.SAdd(ctx, key, member).Err(); err != nil {
		return swarmerr.Unavailable("sadd", err)
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, member string) error {
	defer observe(time.Now())
	if err := s.Client.SRem(ctx, key, member).Err(); err != nil {
		return swarmerr.Unavailable("srem", err)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	defer observe(time.Now())
	members, err := s.Client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, swarmerr.Unavailable("smembers", err)
	}
	return members, nil
}

// --- Generic string KV with TTL (used by statestore) ---

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	defer observe(time.Now())
	if err := s.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return swarmerr.Unavailable("set", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	defer observe(time.Now())
	val, err := s.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, swarmerr.Unavailable("get", err)
	}
	return val, true, nil
}

// --- List helpers (task queue / history) ---

func (s *Store) LPush(ctx context.Context, key, value string) error {
	defer observe(time.Now())
	if err := s.Client.LPush(ctx, key, value).Err(); err != nil {
		return swarmerr.Unavailable("lpush", err)
	}
	return nil
}

// RPop pops from the tail (FIFO with LPush at the head).
func (s *Store) RPop(ctx context.Context, key string) (string, bool, error) {
	defer observe(time.Now())
	val, err := s.Client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, swarmerr.Unavailable("rpop", err)
	}
	return val, true, nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	defer observe(time.Now())
	n, err := s.Client.LLen(ctx, key).Result()
	if err != nil {
		return 0, swarmerr.Unavailable("llen", err)
	}
	return n, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	defer observe(time.Now())
	vals, err := s.Client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, swarmerr.Unavailable("lrange", err)
	}
	return vals, nil
}

// LPushTrimExpire pushes a value to the head of a bounded, TTL'd list,
// trimming to maxLen entries and refreshing the list's expiry. Used by the
// messenger to maintain per-channel history (spec §4.3: messageRetention /
// messageTTL).
func (s *Store) LPushTrimExpire(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	defer observe(time.Now())
	pipe := s.Client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return swarmerr.Unavailable("push history", err)
	}
	return nil
}

// Expire sets or refreshes a key's TTL without touching its value.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	defer observe(time.Now())
	if err := s.Client.Expire(ctx, key, ttl).Err(); err != nil {
		return swarmerr.Unavailable("expire", err)
	}
	return nil
}

// evalSha runs a preloaded script, reloading it on a NOSCRIPT miss (e.g.
// after a Redis restart flushes the script cache).
func (s *Store) evalSha(ctx context.Context, shaSlot *string, src string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.Client.EvalSha(ctx, *shaSlot, keys, args...).Result()
	if err != nil && isNoScript(err) {
		newSha, loadErr := s.Client.ScriptLoad(ctx, src).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		*shaSlot = newSha
		res, err = s.Client.EvalSha(ctx, *shaSlot, keys, args...).Result()
	}
	return res, err
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// EvalVersionedSet, EvalVersionedGet, EvalVersionedCAS and EvalPool* are
// exported so statestore and resources can drive them without reaching
// into private fields.

func (s *Store) EvalVersionedSet(ctx context.Context, key string, valueJSON string, version int64, ttl time.Duration, timestamp int64) (bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.versionedSetSHA, versionedSetScript, []string{key}, valueJSON, version, int64(ttl.Seconds()), timestamp)
	if err != nil {
		return false, swarmerr.Unavailable("versioned set", err)
	}
	code, _ := res.(int64)
	return code == 1, nil
}

func (s *Store) EvalVersionedGet(ctx context.Context, key string) (string, int64, int64, bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.versionedGetSHA, versionedGetScript, []string{key})
	if errors.Is(err, redis.Nil) || res == nil {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, swarmerr.Unavailable("versioned get", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return "", 0, 0, false, swarmerr.Internal("unexpected versioned get shape", nil)
	}
	valueJSON, _ := arr[0].(string)
	version, _ := toInt64(arr[1])
	timestamp, _ := toInt64(arr[2])
	return valueJSON, version, timestamp, true, nil
}

func (s *Store) EvalVersionedCAS(ctx context.Context, key string, expectedVersion int64, valueJSON string, newVersion int64, ttl time.Duration, timestamp int64) (bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.versionedCASSHA, versionedCASScript, []string{key}, expectedVersion, valueJSON, newVersion, int64(ttl.Seconds()), timestamp)
	if err != nil {
		return false, swarmerr.Unavailable("versioned cas", err)
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// EvalPoolAllocate atomically checks available >= amount and, if so,
// decrements the pool and increments the per-swarm allocation. Returns
// false (no error) if insufficient.
func (s *Store) EvalPoolAllocate(ctx context.Context, availableKey, allocationKey string, amount int64) (bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.poolAllocSHA, poolAllocateScript, []string{availableKey, allocationKey}, amount)
	if err != nil {
		return false, swarmerr.Unavailable("pool allocate", err)
	}
	code, _ := res.(int64)
	return code == 1, nil
}

// EvalPoolRelease atomically returns amount from the per-swarm allocation
// back to the pool, rejecting if amount exceeds the current allocation.
func (s *Store) EvalPoolRelease(ctx context.Context, availableKey, allocationKey string, amount int64) (bool, error) {
	defer observe(time.Now())
	res, err := s.evalSha(ctx, &s.poolReleaseSHA, poolReleaseScript, []string{availableKey, allocationKey}, amount)
	if err != nil {
		return false, swarmerr.Unavailable("pool release", err)
	}
	code, _ := res.(int64)
	return code == 1, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
