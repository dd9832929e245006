package redis

const (
	// addRecordScript atomically stores a record and indexes it by time
	addRecordScript = `
local record_key = KEYS[1]    -- {prefix}:history:{id}
local timeline = KEYS[2]      -- {prefix}:history:timeline

local id = ARGV[1]
local score = ARGV[2]

redis.call('HSET', record_key,
  'id', id,
  'kind', ARGV[3],
  'at', ARGV[4],
  'source', ARGV[5],
  'duration_minutes', ARGV[6],
  'secs_remaining', ARGV[7]
)
redis.call('ZADD', timeline, score, id)

return 'OK'
`

	// deleteBeforeScript removes every record scored below the cutoff
	deleteBeforeScript = `
local timeline = KEYS[1]      -- {prefix}:history:timeline
local record_prefix = ARGV[1] -- {prefix}:history:
local cutoff = ARGV[2]

local ids = redis.call('ZRANGEBYSCORE', timeline, '-inf', '(' .. cutoff)
for _, id in ipairs(ids) do
  redis.call('DEL', record_prefix .. id)
end
if #ids > 0 then
  redis.call('ZREMRANGEBYSCORE', timeline, '-inf', '(' .. cutoff)
end

return #ids
`
)
