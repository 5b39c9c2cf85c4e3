package rstore

// Lua scripts preloaded at Store construction. Each is read, compare,
// write inside a single EVAL so no other client can interleave.

// renewLeaseScript extends the TTL of KEYS[1] only if its value equals
// ARGV[1] (the owner identity). ARGV[2] is the new TTL in milliseconds.
const renewLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`

// releaseLeaseScript deletes KEYS[1] only if its value equals ARGV[1].
const releaseLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`

// versionedSetScript writes KEYS[1] unconditionally as a Redis hash holding
// the (value, version, timestamp) triple as three fields, with a TTL.
// ARGV: value, version, ttlSeconds, timestamp.
const versionedSetScript = `
redis.call("HSET", KEYS[1], "value", ARGV[1], "version", ARGV[2], "timestamp", ARGV[4])
if tonumber(ARGV[3]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return 1
`

// versionedGetScript reads back the (value, version, timestamp) triple, or
// nil if the key does not exist.
const versionedGetScript = `
local exists = redis.call("EXISTS", KEYS[1])
if exists == 0 then
	return nil
end
local value = redis.call("HGET", KEYS[1], "value")
local version = tonumber(redis.call("HGET", KEYS[1], "version"))
local timestamp = tonumber(redis.call("HGET", KEYS[1], "timestamp"))
return {value, version, timestamp}
`

// versionedCASScript writes KEYS[1] only if its current version equals
// ARGV[1] (expectedVersion), or if the key does not yet exist and
// expectedVersion is 0. ARGV: expectedVersion, value, newVersion,
// ttlSeconds, timestamp.
const versionedCASScript = `
local exists = redis.call("EXISTS", KEYS[1])
local current = "0"
if exists == 1 then
	current = redis.call("HGET", KEYS[1], "version")
end
if tostring(current) ~= tostring(ARGV[1]) then
	return 0
end
redis.call("HSET", KEYS[1], "value", ARGV[2], "version", ARGV[3], "timestamp", ARGV[5])
if tonumber(ARGV[4]) > 0 then
	redis.call("EXPIRE", KEYS[1], ARGV[4])
end
return 1
`

// poolAllocateScript atomically checks that KEYS[1] (available count) holds
// at least ARGV[1], and if so decrements it and credits KEYS[2] (the
// per-swarm allocation counter). Returns 0 without mutation if insufficient.
const poolAllocateScript = `
local available = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if available < amount then
	return 0
end
redis.call("DECRBY", KEYS[1], amount)
redis.call("INCRBY", KEYS[2], amount)
return 1
`

// poolReleaseScript atomically returns ARGV[1] units from KEYS[2] (the
// per-swarm allocation counter) back to KEYS[1] (available count). Rejects
// if the allocation counter would go negative.
const poolReleaseScript = `
local allocated = tonumber(redis.call("GET", KEYS[2]) or "0")
local amount = tonumber(ARGV[1])
if allocated < amount then
	return 0
end
redis.call("DECRBY", KEYS[2], amount)
redis.call("INCRBY", KEYS[1], amount)
return 1
`
