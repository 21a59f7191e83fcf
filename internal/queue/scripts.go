package queue

import "github.com/redis/go-redis/v9"

// enqueueScript writes the record, appends the id to the pending list and
// binds the idempotency key in one step. A key that still points at a
// non-terminal job rejects the submission.
//
// KEYS: job, queue, queued index, idempotency key
// ARGV: id, now ms, has idempotency key (1/0), idempotency ttl ms, job key prefix, field/value pairs...
var enqueueScript = redis.NewScript(`
if ARGV[3] == '1' then
  local existing = redis.call('GET', KEYS[4])
  if existing then
    local st = redis.call('HGET', ARGV[5] .. existing, 'status')
    if st and st ~= 'completed' and st ~= 'failed' then
      return {'duplicate', existing}
    end
  end
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {'exists', ARGV[1]}
end
local fields = {}
for i = 6, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', KEYS[1], unpack(fields))
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
if ARGV[3] == '1' then
  if tonumber(ARGV[4]) > 0 then
    redis.call('SET', KEYS[4], ARGV[1], 'PX', ARGV[4])
  else
    redis.call('SET', KEYS[4], ARGV[1])
  end
end
return {'ok', ARGV[1]}
`)

// claimScript pops the head of the pending list and moves the job to
// processing. Entries whose record is gone or no longer queued are dropped.
//
// KEYS: queue, queued index, processing index
// ARGV: job key prefix, worker id, now ms, message
var claimScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'status') == 'queued' then
    redis.call('HSET', key,
      'status', 'processing',
      'worker_id', ARGV[2],
      'last_worker_id', ARGV[2],
      'claimed_at', ARGV[3],
      'updated_at', ARGV[3],
      'message', ARGV[4])
    redis.call('HINCRBY', key, 'attempt_count', 1)
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    return redis.call('HGETALL', key)
  end
end
`)

// transitionScript moves a processing job to its next status, but only if
// the record still matches the claim the caller observed. Returns 1 when
// applied, 0 when the record is missing, -1 when the fence did not match.
//
// KEYS: job, queue, processing index, target index
// ARGV: id, claimed_at, attempt_count, worker_id, next status, message, now ms, result ref
var transitionScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'claimed_at', 'attempt_count', 'worker_id')
if not cur[1] then
  return 0
end
if cur[1] ~= 'processing' or cur[2] ~= ARGV[2] or cur[3] ~= ARGV[3] or cur[4] ~= ARGV[4] then
  return -1
end
redis.call('HSET', KEYS[1],
  'status', ARGV[5],
  'message', ARGV[6],
  'updated_at', ARGV[7],
  'worker_id', '')
if ARGV[8] ~= '' then
  redis.call('HSET', KEYS[1], 'result_ref', ARGV[8])
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
if ARGV[5] == 'queued' then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// deleteScript removes a job and every index entry pointing at it. With a
// guard status, the record is only removed if status and updated_at still
// match (returns -1 otherwise). A missing record still has its index entries
// cleaned. Returns the number of records deleted.
//
// KEYS: job, queue, status indexes...
// ARGV: id, idempotency key prefix, guard status, guard updated_at
var deleteScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'updated_at', 'idempotency_key')
if ARGV[3] ~= '' and cur[1] then
  if cur[1] ~= ARGV[3] or cur[2] ~= ARGV[4] then
    return -1
  end
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
for i = 3, #KEYS do
  redis.call('ZREM', KEYS[i], ARGV[1])
end
if cur[3] and cur[3] ~= '' then
  local ik = ARGV[2] .. cur[3]
  if redis.call('GET', ik) == ARGV[1] then
    redis.call('DEL', ik)
  end
end
return redis.call('DEL', KEYS[1])
`)
