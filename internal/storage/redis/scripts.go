package redis

const (
	// applyUsageScript atomically consumes seconds from a user's balance,
	// creating the document with the free allotment when it is missing.
	applyUsageScript = `
local usage_key = KEYS[1]     -- talktime:usage:{userID}
local users_key = KEYS[2]     -- talktime:usage:users

local user_id = ARGV[1]
local delta = tonumber(ARGV[2])
local free_limit = tonumber(ARGV[3])
local updated_at = ARGV[4]

local total = tonumber(redis.call('HGET', usage_key, 'total_conversation_seconds') or '0')
local remaining = redis.call('HGET', usage_key, 'remaining')
if remaining then
  remaining = tonumber(remaining)
else
  remaining = free_limit
end

total = total + delta
remaining = remaining - delta
if remaining < 0 then
  remaining = 0
end

redis.call('HSET', usage_key,
  'user_id', user_id,
  'total_conversation_seconds', total,
  'remaining', remaining,
  'updated_at', updated_at
)
redis.call('SADD', users_key, user_id)

return {total, remaining}
`

	// grantScript atomically raises a user's balance without touching the
	// consumed total.
	grantScript = `
local usage_key = KEYS[1]     -- talktime:usage:{userID}
local users_key = KEYS[2]     -- talktime:usage:users

local user_id = ARGV[1]
local seconds = tonumber(ARGV[2])
local free_limit = tonumber(ARGV[3])
local updated_at = ARGV[4]

local total = tonumber(redis.call('HGET', usage_key, 'total_conversation_seconds') or '0')
local remaining = redis.call('HGET', usage_key, 'remaining')
if remaining then
  remaining = tonumber(remaining)
else
  remaining = free_limit
end

remaining = remaining + seconds

redis.call('HSET', usage_key,
  'user_id', user_id,
  'total_conversation_seconds', total,
  'remaining', remaining,
  'updated_at', updated_at
)
redis.call('SADD', users_key, user_id)

return {total, remaining}
`
)
