package stockcache

// KEYS: unit, held, idem, reservation, pending zset, write queue, write state
// ARGV: requester, qty, idem field, reservation id, expire_at ms, now ms, unit id, idempotency key, retention ms
const reserveScript = `
local prior = redis.call("HGET", KEYS[3], ARGV[3])
if prior then
  return {2, prior}
end

if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "unit_not_active"}
end

if redis.call("HGET", KEYS[1], "active") ~= "1" then
  return {0, "unit_not_active"}
end

local qty = tonumber(ARGV[2])
local limit = tonumber(redis.call("HGET", KEYS[1], "limit") or "0")
local held = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or "0")
if limit > 0 and held + qty > limit then
  return {0, "per_user_limit_exceeded"}
end

local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
local sold = tonumber(redis.call("HGET", KEYS[1], "sold") or "0")
if total - sold < qty then
  return {0, "insufficient_stock"}
end

redis.call("HINCRBY", KEYS[1], "sold", qty)
redis.call("HINCRBY", KEYS[2], ARGV[1], qty)
redis.call("HSET", KEYS[3], ARGV[3], ARGV[4])
redis.call("HSET", KEYS[4],
  "unit", ARGV[7],
  "requester", ARGV[1],
  "qty", ARGV[2],
  "status", "granted",
  "expire_at", ARGV[5],
  "idem", ARGV[8],
  "created_at", ARGV[6])
local ttl = tonumber(ARGV[5]) - tonumber(ARGV[6])
if ttl < 0 then
  ttl = 0
end
redis.call("PEXPIRE", KEYS[4], ttl + tonumber(ARGV[9]) + 1)
redis.call("ZADD", KEYS[5], ARGV[5], ARGV[4])
redis.call("HINCRBY", KEYS[7], "pending", qty)
redis.call("RPUSH", KEYS[6], cjson.encode({
  op = "reserve",
  reservation_id = ARGV[4],
  unit_id = ARGV[7],
  requester_id = ARGV[1],
  quantity = ARGV[2],
  idempotency_key = ARGV[8],
  expire_at = ARGV[5],
  at = ARGV[6]
}))
return {1, ARGV[4]}
`

// KEYS: reservation, unit, held, write state, pending zset, write queue, idem
// ARGV: reservation id, now ms, unit id, recovered flag, qty, requester, idempotency key, expire_at ms, retention ms
const releaseScript = `
local status = redis.call("HGET", KEYS[1], "status")
local qty, requester, idem, expireAt
if not status then
  if ARGV[4] ~= "1" then
    return {0, "missing"}
  end
  status = "granted"
  qty = ARGV[5]
  requester = ARGV[6]
  idem = ARGV[7]
  expireAt = ARGV[8]
else
  if redis.call("HGET", KEYS[1], "unit") ~= ARGV[3] then
    return {0, "unit_mismatch"}
  end
  qty = redis.call("HGET", KEYS[1], "qty")
  requester = redis.call("HGET", KEYS[1], "requester")
  idem = redis.call("HGET", KEYS[1], "idem") or ""
  expireAt = redis.call("HGET", KEYS[1], "expire_at") or ARGV[8]
end

if status ~= "granted" then
  return {0, status}
end

local n = tonumber(qty)
redis.call("HSET", KEYS[1],
  "unit", ARGV[3],
  "requester", requester,
  "qty", qty,
  "idem", idem,
  "expire_at", expireAt,
  "status", "released",
  "released_at", ARGV[2])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[9]) + 1)
redis.call("ZREM", KEYS[5], ARGV[1])

if idem ~= "" then
  local field = requester .. ":" .. idem
  if redis.call("HGET", KEYS[7], field) == ARGV[1] then
    redis.call("HDEL", KEYS[7], field)
  end
end

if redis.call("EXISTS", KEYS[2]) == 1 then
  redis.call("HINCRBY", KEYS[2], "sold", -n)
end
local left = redis.call("HINCRBY", KEYS[3], requester, -n)
if left <= 0 then
  redis.call("HDEL", KEYS[3], requester)
end

redis.call("HINCRBY", KEYS[4], "pending", -n)
redis.call("RPUSH", KEYS[6], cjson.encode({
  op = "release",
  reservation_id = ARGV[1],
  unit_id = ARGV[3],
  requester_id = requester,
  quantity = qty,
  idempotency_key = idem,
  expire_at = expireAt,
  at = ARGV[2]
}))
return {1, qty}
`

// KEYS: reservation, pending zset, write queue
// ARGV: reservation id, now ms
const confirmScript = `
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return {0, "missing"}
end
if status == "confirmed" then
  return {2, status}
end
if status ~= "granted" then
  return {0, status}
end

redis.call("HSET", KEYS[1], "status", "confirmed", "confirmed_at", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("RPUSH", KEYS[3], cjson.encode({
  op = "confirm",
  reservation_id = ARGV[1],
  unit_id = redis.call("HGET", KEYS[1], "unit"),
  requester_id = redis.call("HGET", KEYS[1], "requester"),
  quantity = redis.call("HGET", KEYS[1], "qty"),
  idempotency_key = redis.call("HGET", KEYS[1], "idem") or "",
  expire_at = redis.call("HGET", KEYS[1], "expire_at"),
  at = ARGV[2]
}))
return {1, status}
`

// KEYS: unit, write state, held, idem
// ARGV: total, ledger sold, per-user limit, observed seq, mode
//
// Modes: "activate" forces the unit live, "warm" creates a missing unit but never
// revives a tombstoned one, "reconcile" only corrects an existing counter.
// An activation that races a ledger write still flips an existing unit live but
// leaves its counter for the next reconcile pass.
// Returns {code, drift, cache sold}: -1 seq moved, 0 unit not cached, 1 created,
// 2 reconciled, 3 activated without correction.
const syncScript = `
local seq = redis.call("HGET", KEYS[2], "seq") or "0"
if seq ~= ARGV[4] then
  if ARGV[5] == "activate" and redis.call("EXISTS", KEYS[1]) == 1 then
    redis.call("HSET", KEYS[1], "total", ARGV[1], "limit", ARGV[3], "active", "1")
    redis.call("PERSIST", KEYS[1])
    redis.call("PERSIST", KEYS[3])
    redis.call("PERSIST", KEYS[4])
    return {3, 0, tonumber(redis.call("HGET", KEYS[1], "sold") or "0")}
  end
  return {-1, 0, 0}
end

local pending = tonumber(redis.call("HGET", KEYS[2], "pending") or "0")
local target = tonumber(ARGV[2]) + pending
if target < 0 then
  target = 0
end

if redis.call("EXISTS", KEYS[1]) == 0 then
  if ARGV[5] == "reconcile" then
    return {0, 0, 0}
  end
  redis.call("HSET", KEYS[1], "total", ARGV[1], "sold", target, "limit", ARGV[3], "active", "1")
  redis.call("PERSIST", KEYS[3])
  redis.call("PERSIST", KEYS[4])
  return {1, 0, target}
end

local sold = tonumber(redis.call("HGET", KEYS[1], "sold") or "0")
local drift = sold - target
if drift ~= 0 then
  redis.call("HSET", KEYS[1], "sold", target)
end

local live = redis.call("HGET", KEYS[1], "active") == "1"
if ARGV[5] == "activate" or (ARGV[5] == "warm" and live) then
  redis.call("HSET", KEYS[1], "total", ARGV[1], "limit", ARGV[3], "active", "1")
  redis.call("PERSIST", KEYS[1])
  redis.call("PERSIST", KEYS[3])
  redis.call("PERSIST", KEYS[4])
end
return {2, drift, sold}
`

// KEYS: unit, held, idem
// ARGV: retention seconds
//
// Leaves a tombstone (active=0) so late warm-ups cannot revive the unit.
const evictScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "active", "0")
redis.call("EXPIRE", KEYS[1], ARGV[1])
if redis.call("EXISTS", KEYS[2]) == 1 then
  redis.call("EXPIRE", KEYS[2], ARGV[1])
end
if redis.call("EXISTS", KEYS[3]) == 1 then
  redis.call("EXPIRE", KEYS[3], ARGV[1])
end
return 1
`

// KEYS: write state, inflight, dead-letter (optional)
// ARGV: pending delta, raw entry
const ackScript = `
local removed = redis.call("LREM", KEYS[2], 1, ARGV[2])
if removed == 0 then
  return 0
end
redis.call("HINCRBY", KEYS[1], "pending", ARGV[1])
redis.call("HINCRBY", KEYS[1], "seq", 1)
if KEYS[3] then
  redis.call("RPUSH", KEYS[3], ARGV[2])
end
return 1
`

// KEYS: inflight, queue
const requeueScript = `
local moved = 0
while redis.call("LMOVE", KEYS[1], KEYS[2], "RIGHT", "LEFT") do
  moved = moved + 1
end
return moved
`
