// Copyright (C) 2024 Inkdex, Inc.
// See LICENSE for copying information.

package redisq

import "github.com/redis/go-redis/v9"

// The scripts keep every multi-key transition atomic, so a job is
// never in the ready list and the inflight set at the same time and
// counters never drift from the moves they count.
//
// Shared key layout (must match the constants in queue.go):
//
//	jobq:ready           list of ready job ids, LPUSH in, RPOP out
//	jobq:inflight        zset of delivered job ids scored by deadline
//	jobq:dead            list of dead letter JSON entries, newest first
//	jobq:job:<id>        hash {data, attempt, nonce, run}
//	jobq:run:<runID>     hash {queued, published, empty, dead, outstanding}

// receiveScript pops up to max ready jobs, bumps their attempt,
// stamps the delivery nonce and parks them inflight until deadline.
// Returns a flat array of (id, nonce, attempt, data) per job.
var receiveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local deadline = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local out = {}
for i = 1, max do
	local id = redis.call('RPOP', ready)
	if not id then break end
	local jobkey = 'jobq:job:' .. id
	if redis.call('EXISTS', jobkey) == 1 then
		local attempt = redis.call('HINCRBY', jobkey, 'attempt', 1)
		local nonce = ARGV[2 + i]
		redis.call('HSET', jobkey, 'nonce', nonce)
		redis.call('ZADD', inflight, deadline, id)
		out[#out + 1] = id
		out[#out + 1] = nonce
		out[#out + 1] = attempt
		out[#out + 1] = redis.call('HGET', jobkey, 'data')
	end
end
return out
`)

// ackScript removes an acknowledged job and settles the run counters.
// Returns 'ok', 'noop' for a job that is already gone, or 'stale' for
// a superseded receipt.
var ackScript = redis.NewScript(`
local id = ARGV[1]
local jobkey = 'jobq:job:' .. id
if redis.call('EXISTS', jobkey) == 0 then
	return 'noop'
end
if redis.call('HGET', jobkey, 'nonce') ~= ARGV[2] then
	return 'stale'
end
local run = redis.call('HGET', jobkey, 'run')
redis.call('ZREM', KEYS[1], id)
redis.call('DEL', jobkey)
if run then
	local runkey = 'jobq:run:' .. run
	redis.call('HINCRBY', runkey, 'outstanding', -1)
	redis.call('HINCRBY', runkey, ARGV[3], 1)
end
return 'ok'
`)

// extendScript pushes the inflight deadline of a live delivery out.
var extendScript = redis.NewScript(`
local jobkey = 'jobq:job:' .. ARGV[1]
if redis.call('EXISTS', jobkey) == 0 then
	return 'stale'
end
if redis.call('HGET', jobkey, 'nonce') ~= ARGV[2] then
	return 'stale'
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[3], ARGV[1])
return 'ok'
`)

// releaseScript returns a job to the queue without consuming the
// attempt.
var releaseScript = redis.NewScript(`
local id = ARGV[1]
local jobkey = 'jobq:job:' .. id
if redis.call('EXISTS', jobkey) == 0 then
	return 'stale'
end
if redis.call('HGET', jobkey, 'nonce') ~= ARGV[2] then
	return 'stale'
end
redis.call('ZREM', KEYS[2], id)
redis.call('HINCRBY', jobkey, 'attempt', -1)
redis.call('HDEL', jobkey, 'nonce')
redis.call('LPUSH', KEYS[1], id)
return 'ok'
`)

// failScript records a failed attempt: requeue below the attempt cap,
// dead letter at it. Returns 'requeued', 'dead' or 'stale'.
var failScript = redis.NewScript(`
local id = ARGV[1]
local jobkey = 'jobq:job:' .. id
if redis.call('EXISTS', jobkey) == 0 then
	return 'stale'
end
if redis.call('HGET', jobkey, 'nonce') ~= ARGV[2] then
	return 'stale'
end
redis.call('ZREM', KEYS[2], id)
local attempt = tonumber(redis.call('HGET', jobkey, 'attempt'))
if attempt >= tonumber(ARGV[4]) then
	local job = cjson.decode(redis.call('HGET', jobkey, 'data'))
	job['attempt'] = attempt
	local entry = cjson.encode({job = job, attempts = attempt, reason = ARGV[3], died_at = ARGV[5]})
	redis.call('LPUSH', KEYS[3], entry)
	local run = redis.call('HGET', jobkey, 'run')
	redis.call('DEL', jobkey)
	if run then
		local runkey = 'jobq:run:' .. run
		redis.call('HINCRBY', runkey, 'outstanding', -1)
		redis.call('HINCRBY', runkey, 'dead', 1)
	end
	return 'dead'
end
redis.call('HDEL', jobkey, 'nonce')
redis.call('LPUSH', KEYS[1], id)
return 'requeued'
`)

// reapScript requeues or dead letters every delivery whose deadline
// passed. Returns {requeued, deadlettered}.
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local requeued = 0
local deadlettered = 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local jobkey = 'jobq:job:' .. id
	if redis.call('EXISTS', jobkey) == 1 then
		local attempt = tonumber(redis.call('HGET', jobkey, 'attempt'))
		if attempt >= tonumber(ARGV[2]) then
			local job = cjson.decode(redis.call('HGET', jobkey, 'data'))
			job['attempt'] = attempt
			local entry = cjson.encode({job = job, attempts = attempt, reason = 'visibility timeout expired', died_at = ARGV[3]})
			redis.call('LPUSH', KEYS[3], entry)
			local run = redis.call('HGET', jobkey, 'run')
			redis.call('DEL', jobkey)
			if run then
				local runkey = 'jobq:run:' .. run
				redis.call('HINCRBY', runkey, 'outstanding', -1)
				redis.call('HINCRBY', runkey, 'dead', 1)
			end
			deadlettered = deadlettered + 1
		else
			redis.call('HDEL', jobkey, 'nonce')
			redis.call('LPUSH', KEYS[1], id)
			requeued = requeued + 1
		end
	end
end
return {requeued, deadlettered}
`)
