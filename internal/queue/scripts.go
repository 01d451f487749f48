package queue

// Scripts for the Redis backend. Scores and times are unix milliseconds.
// Ready jobs live in one sorted set per priority, passed as the trailing KEYS.

// KEYS: jobs, prio, scheduled  ARGV: id, payload, priority, ready_at
const enqueueLua = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`

// KEYS: scheduled, leased, tokens, prio, ready...  ARGV: now, expires, token
const dequeueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 100)
for i = 1, #due, 2 do
  local id = due[i]
  local p = tonumber(redis.call('HGET', KEYS[4], id) or '5')
  if p < 1 or p > #KEYS - 4 then
    p = 5
  end
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[4 + p], due[i + 1], id)
end
for i = 5, #KEYS do
  local popped = redis.call('ZPOPMIN', KEYS[i])
  if #popped > 0 then
    local id = popped[1]
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', KEYS[3], id, ARGV[3])
    return id
  end
end
return false
`

// KEYS: leased, tokens, jobs, prio  ARGV: id, token
const ackLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`

// KEYS: leased, tokens, jobs, scheduled  ARGV: id, token, payload, ready_at
const retryLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`

// KEYS: leased, tokens, jobs, prio, failed  ARGV: id, token, payload, keep
const failLua = `
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('LPUSH', KEYS[5], ARGV[3])
redis.call('LTRIM', KEYS[5], 0, tonumber(ARGV[4]) - 1)
return 1
`

// KEYS: leased, tokens, scheduled  ARGV: now
const reapLua = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  redis.call('ZADD', KEYS[3], ARGV[1], id)
end
return #ids
`
