package redis

import "github.com/redis/go-redis/v9"

// Script results shared between Lua and Go
const (
	scriptOK       = 1
	scriptRejected = -1
	scriptMissing  = -2
)

const (
	// activateDeviceScript upserts or touches a device, enforcing the active device limit
	activateDeviceScript = `
local device_key = KEYS[1]     -- ktime:device:{childID}:{deviceID}
local devices_set = KEYS[2]    -- ktime:devices:{childID}
local active_set = KEYS[3]     -- ktime:devices:{childID}:active
local children_set = KEYS[4]   -- ktime:children

local child_id = ARGV[1]
local device_id = ARGV[2]
local now = ARGV[3]
local max_active = tonumber(ARGV[4])
local create = ARGV[5]
local name = ARGV[6]
local class = ARGV[7]
local platform = ARGV[8]

local exists = redis.call('EXISTS', device_key)
if exists == 0 and create ~= '1' then
  return -2
end

-- Activating a device that is not yet counted must fit under the limit
if redis.call('SISMEMBER', active_set, device_id) == 0 then
  if redis.call('SCARD', active_set) >= max_active then
    return -1
  end
end

if exists == 0 then
  redis.call('HSET', device_key,
    'child_id', child_id,
    'device_id', device_id,
    'name', name,
    'class', class,
    'platform', platform,
    'registered_at', now
  )
elseif create == '1' then
  if name ~= '' then redis.call('HSET', device_key, 'name', name) end
  if class ~= '' then redis.call('HSET', device_key, 'class', class) end
  if platform ~= '' then redis.call('HSET', device_key, 'platform', platform) end
end

redis.call('HSET', device_key, 'active', '1', 'last_active_at', now)
redis.call('SADD', devices_set, device_id)
redis.call('SADD', active_set, device_id)
redis.call('SADD', children_set, child_id)

return 1
`

	// deactivateDeviceScript marks a device inactive, or deletes it when ARGV[2] is '1'
	deactivateDeviceScript = `
local device_key = KEYS[1]     -- ktime:device:{childID}:{deviceID}
local devices_set = KEYS[2]    -- ktime:devices:{childID}
local active_set = KEYS[3]     -- ktime:devices:{childID}:active

local device_id = ARGV[1]
local remove = ARGV[2]

if redis.call('EXISTS', device_key) == 0 then
  return -2
end

redis.call('SREM', active_set, device_id)
if remove == '1' then
  redis.call('DEL', device_key)
  redis.call('SREM', devices_set, device_id)
else
  redis.call('HSET', device_key, 'active', '0')
end

return 1
`

	// startSessionScript preempts the current holder and opens a session with a new fencing token
	startSessionScript = `
local current_key = KEYS[1]    -- ktime:child:{childID}:session
local token_key = KEYS[2]      -- ktime:child:{childID}:token
local active_set = KEYS[3]     -- ktime:sessions:active
local session_key = KEYS[4]    -- ktime:session:{sessionID}
local child_sessions = KEYS[5] -- ktime:child:{childID}:sessions

local session_prefix = ARGV[1]
local session_id = ARGV[2]
local child_id = ARGV[3]
local device_id = ARGV[4]
local content_id = ARGV[5]
local now = ARGV[6]
local ttl = tonumber(ARGV[7])

local preempted = ''
local previous = redis.call('GET', current_key)
if previous then
  local previous_key = session_prefix .. previous
  if redis.call('HGET', previous_key, 'status') == 'active' then
    redis.call('HSET', previous_key, 'status', 'preempted', 'ended_at', now)
    redis.call('EXPIRE', previous_key, ttl)
    preempted = previous
  end
  redis.call('SREM', active_set, previous)
end

local token = redis.call('INCR', token_key)

redis.call('HSET', session_key,
  'id', session_id,
  'child_id', child_id,
  'device_id', device_id,
  'content_id', content_id,
  'position', '0',
  'token', token,
  'started_at', now,
  'last_heartbeat', now,
  'credited_ms', '0',
  'status', 'active',
  'ended_at', ''
)
redis.call('SADD', active_set, session_id)
redis.call('SADD', child_sessions, session_id)
redis.call('EXPIRE', child_sessions, ttl)
redis.call('SET', current_key, session_id)

return {token, preempted}
`

	// heartbeatScript validates the fencing token and credits capped usage to the ledger
	heartbeatScript = `
local session_key = KEYS[1]    -- ktime:session:{sessionID}
local current_key = KEYS[2]    -- ktime:child:{childID}:session
local ledger_key = KEYS[3]     -- ktime:ledger:{childID}:{date}

local session_id = ARGV[1]
local token = ARGV[2]
local elapsed = tonumber(ARGV[3])
local position = ARGV[4]
local now = tonumber(ARGV[5])
local tolerance = tonumber(ARGV[6])
local day_start = tonumber(ARGV[7])
local max_daily = tonumber(ARGV[8])
local ttl = tonumber(ARGV[9])
local child_id = ARGV[10]
local date = ARGV[11]

local fields = redis.call('HMGET', session_key, 'status', 'token', 'last_heartbeat', 'started_at', 'credited_ms')
if fields[1] ~= 'active' or fields[2] ~= token then
  return {-1, 0, 0}
end
if redis.call('GET', current_key) ~= session_id then
  return {-1, 0, 0}
end

local last = tonumber(fields[3])
local started = tonumber(fields[4])
local credited = tonumber(fields[5])

-- Credit is bounded by the wall-clock gap, the session's wall-clock budget and the date boundary
local gap = now - last
if gap < 0 then gap = 0 end
local credit = elapsed
credit = math.min(credit, gap + tolerance)
credit = math.min(credit, now - started + tolerance - credited)
credit = math.min(credit, now - day_start)

local used = tonumber(redis.call('HGET', ledger_key, 'used_ms') or '0')
credit = math.min(credit, max_daily - used)
if credit < 0 then credit = 0 end
credit = math.floor(credit)

used = redis.call('HINCRBY', ledger_key, 'used_ms', credit)
redis.call('HSET', ledger_key,
  'child_id', child_id,
  'date', date,
  'last_heartbeat', ARGV[5],
  'session_id', session_id
)
redis.call('EXPIRE', ledger_key, ttl)

local total = redis.call('HINCRBY', session_key, 'credited_ms', credit)
redis.call('HSET', session_key, 'position', position)
if now > last then
  redis.call('HSET', session_key, 'last_heartbeat', ARGV[5])
end

return {credit, used, total}
`

	// closeSessionScript moves an active session to a terminal status
	closeSessionScript = `
local session_key = KEYS[1]    -- ktime:session:{sessionID}
local current_key = KEYS[2]    -- ktime:child:{childID}:session
local active_set = KEYS[3]     -- ktime:sessions:active

local session_id = ARGV[1]
local token = ARGV[2]
local status = ARGV[3]
local now = ARGV[4]
local stale_before = ARGV[5]
local ttl = tonumber(ARGV[6])

local fields = redis.call('HMGET', session_key, 'status', 'token', 'last_heartbeat')
if not fields[1] then
  return -2
end
if fields[1] ~= 'active' then
  return -1
end
if token ~= '' and fields[2] ~= token then
  return -1
end
if stale_before ~= '' and tonumber(fields[3]) >= tonumber(stale_before) then
  return -1
end

redis.call('HSET', session_key, 'status', status, 'ended_at', now)
redis.call('EXPIRE', session_key, ttl)
redis.call('SREM', active_set, session_id)
if redis.call('GET', current_key) == session_id then
  redis.call('DEL', current_key)
end

return 1
`

	// createApprovalScript stores a pending request unless one is pending for the same target
	createApprovalScript = `
local request_key = KEYS[1]    -- ktime:approval:{requestID}
local target_key = KEYS[2]     -- ktime:approval-target:{childID}:{kind}:{targetID}
local all_index = KEYS[3]      -- ktime:approvals:{childID}
local pending_index = KEYS[4]  -- ktime:approvals:{childID}:pending

local request_prefix = ARGV[1]
local request_id = ARGV[2]
local score = ARGV[3]

local existing = redis.call('GET', target_key)
if existing then
  if redis.call('HGET', request_prefix .. existing, 'status') == 'pending' then
    return existing
  end
end

-- Remaining arguments are field/value pairs
local fields = {}
for i = 4, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('HSET', request_key, unpack(fields))
redis.call('SET', target_key, request_id)
redis.call('ZADD', all_index, score, request_id)
redis.call('ZADD', pending_index, score, request_id)

return request_id
`

	// reviewApprovalScript transitions a pending request and optionally allow-lists a channel
	reviewApprovalScript = `
local request_key = KEYS[1]    -- ktime:approval:{requestID}
local pending_index = KEYS[2]  -- ktime:approvals:{childID}:pending
local target_key = KEYS[3]     -- ktime:approval-target:{childID}:{kind}:{targetID}
local allow_key = KEYS[4]      -- ktime:allow:{childID}

local request_id = ARGV[1]
local status = ARGV[2]
local note = ARGV[3]
local reviewed_at = ARGV[4]
local channel = ARGV[5]

local current = redis.call('HGET', request_key, 'status')
if not current then
  return -2
end
if current ~= 'pending' then
  return -1
end

redis.call('HSET', request_key, 'status', status, 'parent_note', note, 'reviewed_at', reviewed_at)
redis.call('ZREM', pending_index, request_id)
if redis.call('GET', target_key) == request_id then
  redis.call('DEL', target_key)
end
if channel ~= '' then
  redis.call('SADD', allow_key, channel)
end

return 1
`
)

var (
	activateDevice   = redis.NewScript(activateDeviceScript)
	deactivateDevice = redis.NewScript(deactivateDeviceScript)
	startSession     = redis.NewScript(startSessionScript)
	heartbeatSession = redis.NewScript(heartbeatScript)
	closeSession     = redis.NewScript(closeSessionScript)
	createApproval   = redis.NewScript(createApprovalScript)
	reviewApproval   = redis.NewScript(reviewApprovalScript)
)
