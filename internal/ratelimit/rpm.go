// Package ratelimit limits requests per minute per client with a Redis
// sliding window, so every gateway replica shares one budget per client.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript records one request in a sorted set scored by its
// arrival time in milliseconds, after dropping entries older than the window.
//
//	KEYS[1] bucket key
//	ARGV[1] now (unix ms)
//	ARGV[2] window (ms)
//	ARGV[3] limit
//	ARGV[4] unique member for this request
//
// Returns {allowed (0|1), requests in window, ms until the oldest entry
// leaves the window (0 when allowed)}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
	local reset = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window - now
	end
	return {0, count, reset}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

const (
	keyPrefix = "bedrock:rpm:"

	// anonymousClient buckets requests that carry no client identity.
	anonymousClient = "anonymous"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Remaining is the budget left in the current window.
	Remaining int
	// RetryAfter is set when the request was refused.
	RetryAfter time.Duration
}

// RPMLimiter enforces a requests-per-minute limit per client key.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	window   time.Duration
	now      func() time.Time
}

// NewRPMLimiter allows rpmLimit requests per client per minute. A limit of
// zero or less refuses every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, window: time.Minute, now: time.Now}
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow records a request for client and decides whether it may proceed.
// When Redis fails the request is allowed and the error returned so the
// caller can count it.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (Decision, error) {
	if client == "" {
		client = anonymousClient
	}
	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + client},
		r.now().UnixMilli(), r.window.Milliseconds(), r.rpmLimit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: max(r.rpmLimit-int(res[1]), 0),
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(max(res[2], 1)) * time.Millisecond
	}
	return d, nil
}
