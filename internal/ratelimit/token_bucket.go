package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket is stored in milli-tokens so the script can stay in integer
// arithmetic; Redis truncates Lua numbers to integers on reply. The script
// returns {allowed, remaining_tokens, retry_after_ms}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2]) * 1000
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "m", "ts")
local milli = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  milli = math.min(capacity, milli + math.floor((now - ts) * rate))
end

local allowed = 0
local retry = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
else
  retry = math.ceil((1000 - milli) / rate)
end

redis.call("HSET", KEYS[1], "m", milli, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(milli / 1000), retry}
`

// RateLimitResult is the outcome of one token take.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket is a Redis-side token bucket shared by every API replica.
type TokenBucket struct {
	client redis.UniversalClient
	script *redis.Script
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(tokenBucketScript)}
}

// Take removes one token from the bucket at key, refilling at rate tokens per
// second up to burst.
func (t *TokenBucket) Take(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	switch {
	case t == nil:
		return nil, errors.New("token bucket not configured")
	case key == "":
		return nil, errors.New("token bucket key is empty")
	case rate <= 0 || burst <= 0:
		return nil, fmt.Errorf("token bucket needs positive rate and burst, got %v/%d", rate, burst)
	}

	// The script refills in milli-tokens per millisecond, which equals tokens per second.
	reply, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, bucketTTL(rate, burst).Milliseconds()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("token bucket: unexpected reply %v", reply)
	}
	return &RateLimitResult{
		Allowed:    reply[0] == 1,
		Remaining:  int(reply[1]),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket around for twice its full refill time; an
// expired bucket comes back full, which is the same state it would be in.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Max(1, math.Ceil(2*float64(burst)/rate))
	return time.Duration(seconds) * time.Second
}
