package redis

import "github.com/redis/go-redis/v9"

// Server-side scripts make the critical transitions atomic: the queue state
// sets and the job hash are treated as one transactional unit, so exactly
// one caller observes each transition.

// dequeueScript claims the lowest-score queued job.
// KEYS[1] = queued zset, KEYS[2] = running zset
// ARGV[1] = job hash key prefix, ARGV[2] = now (epoch micros)
// Returns the claimed job id, or nil when the queue is empty.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('HSET', ARGV[1]..id, 'status', 'running', 'started_at', ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
return id
`)

// completeScript moves a running job to completed. Idempotent: when the id
// is no longer in the running set nothing changes and 0 is returned.
// KEYS[1] = running zset, KEYS[2] = completed zset, KEYS[3] = job hash
// ARGV[1] = id, ARGV[2] = now (epoch micros), ARGV[3] = result ('' = none)
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'status', 'completed', 'completed_at', ARGV[2], 'progress', '100')
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[3], 'result', ARGV[3])
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`)

// failScript records an attempt failure: retry while attempts remain,
// terminal failure otherwise. A retried job is re-inserted into the queued
// set with its original enqueue score so it keeps its position.
// KEYS[1] = running zset, KEYS[2] = queued zset, KEYS[3] = failed zset,
// KEYS[4] = job hash
// ARGV[1] = id, ARGV[2] = now (epoch micros), ARGV[3] = error JSON
// Returns 'retried', 'failed', or 'none'.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 'none'
end
local vals = redis.call('HMGET', KEYS[4], 'retries', 'max_retries', 'priority', 'queued_at')
local retries = (tonumber(vals[1]) or 0) + 1
local maxRetries = tonumber(vals[2]) or 0
if retries > maxRetries then
  redis.call('HSET', KEYS[4], 'status', 'failed', 'failed_at', ARGV[2], 'error', ARGV[3], 'retries', retries)
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
  return 'failed'
end
local score = tonumber(vals[3]) + tonumber(vals[4]) / 1e13
redis.call('HSET', KEYS[4], 'status', 'queued', 'retries', retries, 'started_at', '', 'progress', '0', 'progress_message', '', 'error', '')
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 'retried'
`)

// updateScript applies a partial update and, when the status changes,
// moves the id between state sets.
// KEYS[1] = job hash
// ARGV[1] = queue set key prefix (e.g. "jobd:queue:reports:")
// ARGV[2] = id
// ARGV[3] = new status ('' = unchanged)
// ARGV[4] = transition score for the destination set
// ARGV[5] = requeue score (priority + queued_at/1e13; 0 = no rescore)
// ARGV[6..] = hash field/value pairs
// Returns 0 when the job does not exist.
var updateScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
local new = ARGV[3]
if new ~= '' and new ~= status then
  redis.call('ZREM', ARGV[1]..status, ARGV[2])
  local score = tonumber(ARGV[4])
  if new == 'queued' then
    score = tonumber(ARGV[5])
  end
  redis.call('ZADD', ARGV[1]..new, score, ARGV[2])
elseif tonumber(ARGV[5]) > 0 and status == 'queued' then
  redis.call('ZADD', ARGV[1]..'queued', tonumber(ARGV[5]), ARGV[2])
end
return 1
`)

// resetRunningScript moves every running job back to queued with its
// original enqueue score. Used for crash recovery on startup.
// KEYS[1] = running zset, KEYS[2] = queued zset
// ARGV[1] = job hash key prefix
// Returns the number of jobs moved.
var resetRunningScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  local key = ARGV[1]..id
  local vals = redis.call('HMGET', key, 'priority', 'queued_at')
  if vals[1] then
    local score = tonumber(vals[1]) + tonumber(vals[2]) / 1e13
    redis.call('HSET', key, 'status', 'queued', 'started_at', '', 'progress', '0', 'progress_message', '')
    redis.call('ZADD', KEYS[2], score, id)
    moved = moved + 1
  end
  redis.call('ZREM', KEYS[1], id)
end
return moved
`)
